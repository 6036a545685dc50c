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
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strings"

	gomessage "github.com/emersion/go-message"

	"github.com/foxcpp/mailman/internal/message"
)

// ParseResult is what the generic bounce parser recovered from a
// non-VERP bounce.
type ParseResult struct {
	Permanent []string
	Temporary []string
}

// Empty reports whether no addresses were recovered at all.
func (r ParseResult) Empty() bool {
	return len(r.Permanent) == 0 && len(r.Temporary) == 0
}

// Parse runs the RFC 3464 delivery-status parser and falls back to
// plain-text heuristics when the bounce is not a proper DSN.
func Parse(msg *message.Msg) ParseResult {
	if res := parseDSN(msg); !res.Empty() {
		return res
	}
	return parseHeuristic(msg)
}

// parseDSN walks the MIME tree looking for a message/delivery-status
// part and reads its per-recipient blocks.
func parseDSN(msg *message.Msg) ParseResult {
	var res ParseResult

	e, err := gomessage.Read(bytes.NewReader(msg.Bytes()))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return res
	}
	walkEntities(e, func(part *gomessage.Entity) {
		t, _, _ := part.Header.ContentType()
		if t != "message/delivery-status" {
			return
		}
		blob, err := io.ReadAll(part.Body)
		if err != nil {
			return
		}
		parseStatusBlocks(string(blob), &res)
	})
	return res
}

func walkEntities(e *gomessage.Entity, visit func(*gomessage.Entity)) {
	mr := e.MultipartReader()
	if mr == nil {
		visit(e)
		return
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return
		}
		blob, err := io.ReadAll(part.Body)
		if err != nil {
			return
		}
		walkEntities(&gomessage.Entity{Header: part.Header, Body: bytes.NewReader(blob)}, visit)
	}
}

var rcptRe = regexp.MustCompile(`(?i)^(?:final|original)-recipient:\s*(?:rfc822|utf-8)?\s*;?\s*(.+)$`)

// parseStatusBlocks reads the blank-line separated per-recipient groups
// of a delivery-status body. The Action field decides whether the
// failure counts; Status only refines permanent vs temporary.
func parseStatusBlocks(body string, res *ParseResult) {
	var rcpt string
	action := ""
	status := ""

	flush := func() {
		if rcpt == "" {
			return
		}
		switch {
		case strings.HasPrefix(action, "fail") && !strings.HasPrefix(status, "4"):
			res.Permanent = append(res.Permanent, rcpt)
		case strings.HasPrefix(action, "fail") || strings.HasPrefix(action, "delayed") || strings.HasPrefix(status, "4"):
			res.Temporary = append(res.Temporary, rcpt)
		}
		rcpt, action, status = "", "", ""
	}

	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if m := rcptRe.FindStringSubmatch(line); m != nil {
			addr := strings.Trim(strings.TrimSpace(m[1]), "<>")
			if strings.Contains(addr, "@") {
				rcpt = strings.ToLower(addr)
			}
			continue
		}
		lower := strings.ToLower(line)
		if v, ok := strings.CutPrefix(lower, "action:"); ok {
			action = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(lower, "status:"); ok {
			status = strings.TrimSpace(v)
		}
	}
	flush()
}

var (
	addrRe = regexp.MustCompile(`<?([\w.+=-]+@[\w.-]+\.\w+)>?`)
	permRe = regexp.MustCompile(`(?i)\b(5\d\d|permanent(ly)? (fail|reject)|user unknown|unknown user|no such user|does not exist|invalid recipient|unrouteable address)\b`)
	tempRe = regexp.MustCompile(`(?i)\b(4\d\d|temporar|deferred|try(ing)? (again )?later|mailbox (is )?full|quota exceeded)\b`)
)

// parseHeuristic scans the bounce text line by line. An address on a
// line with a permanent-failure marker (or with no marker at all, in a
// message that otherwise looks like a bounce) counts as permanent.
func parseHeuristic(msg *message.Msg) ParseResult {
	var res ParseResult

	text, err := msg.FirstTextPart()
	if err != nil || text == "" {
		text = string(msg.Body)
	}

	seen := map[string]struct{}{}
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := sc.Text()
		m := addrRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		addr := strings.ToLower(m[1])
		if _, ok := seen[addr]; ok {
			continue
		}
		switch {
		case permRe.MatchString(line):
			seen[addr] = struct{}{}
			res.Permanent = append(res.Permanent, addr)
		case tempRe.MatchString(line):
			seen[addr] = struct{}{}
			res.Temporary = append(res.Temporary, addr)
		}
	}
	return res
}
