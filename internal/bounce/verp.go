/*
Mailman message-processing core - rule chains, handler pipelines, queue runners.
Copyright © 2023-2024 The mailman-go developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package bounce

import (
	"regexp"
	"strings"

	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/store"
)

// VERP return paths are what outgoing delivery generates:
// ant-bounces+anne=example.org@example.com. A bounce that comes back to
// such an address needs no parsing at all, the failed recipient is in
// the address.
var verpRe = regexp.MustCompile(`^([^+@]+)-bounces\+([^@]+)=([^@]+)@([^@]+)$`)

// probeRe matches the dedicated probe scheme:
// ant-probe+TOKEN@example.com.
var probeRe = regexp.MustCompile(`^([^+@]+)-probe\+([^@]+)@([^@]+)$`)

// ExtractVERP recovers the failed recipient from a VERP bounce address.
// The list is used to confirm the bounce actually belongs to it.
func ExtractVERP(list *store.MailingList, addr string) (string, bool) {
	m := verpRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(addr)))
	if m == nil {
		return "", false
	}
	if m[1] != list.ListName || m[4] != list.MailHost {
		return "", false
	}
	return m[2] + "@" + m[3], true
}

// ExtractProbeToken recovers the pending token from a probe bounce
// address.
func ExtractProbeToken(list *store.MailingList, addr string) (string, bool) {
	m := probeRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(addr)))
	if m == nil {
		return "", false
	}
	if m[1] != list.ListName || m[3] != list.MailHost {
		return "", false
	}
	return m[2], true
}

// verpAddresses collects every candidate bounce address from the
// headers MTAs put the original envelope recipient into.
func verpAddresses(msg *message.Msg) []string {
	var out []string
	for _, key := range []string{"To", "Delivered-To", "Envelope-To", "X-Original-To"} {
		fields := msg.Header.FieldsByKey(key)
		for fields.Next() {
			v := strings.TrimSpace(fields.Value())
			v = strings.TrimPrefix(v, "<")
			v = strings.TrimSuffix(v, ">")
			if v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
