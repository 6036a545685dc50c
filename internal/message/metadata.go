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

package message

// Well-known metadata keys. Unknown keys are preserved across queue hops
// so components can pass private values around without coordination.
const (
	KeyListID            = "listid"
	KeyRuleHits          = "rule_hits"
	KeyRuleMisses        = "rule_misses"
	KeyModerationAction  = "moderation_action"
	KeyModerationReasons = "moderation_reasons"
	KeyModerationSender  = "moderation_sender"
	KeyDMARCAction       = "dmarc_action"
	KeyPipeline          = "pipeline"
	KeyWhichQ            = "whichq"
	KeyToRequest         = "to_request"
	KeyToList            = "to_list"
	KeyToOwner           = "to_owner"
	KeyARCStandardize    = "arc_standardize"
	KeyRecipients        = "recipients"
	KeyTopicHits         = "topichits"
	KeyEnvelopeSender    = "envsender"
	KeyOriginalSize      = "original_size"
	KeyVersion           = "version"
)

// Metadata is the unordered string-keyed mapping that travels with a
// message across queue hops. Values are restricted to what JSON can
// represent unambiguously: strings, numbers, booleans and lists of
// strings.
//
// Metadata is append-friendly: handlers add keys, they do not remove
// keys another handler depends on downstream in the same pipeline.
type Metadata map[string]interface{}

// String returns the value for key if it is a string, "" otherwise.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Bool returns the value for key if it is a boolean, false otherwise.
func (m Metadata) Bool(key string) bool {
	b, _ := m[key].(bool)
	return b
}

// Int returns the value for key as an integer. JSON decoding turns
// numbers into float64, both forms are accepted.
func (m Metadata) Int(key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// StringList returns the value for key as a list of strings. A value
// decoded from JSON ([]interface{}) is converted element-wise, skipping
// non-strings.
func (m Metadata) StringList(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, el := range v {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Append adds val to the string list stored under key, creating the
// list if needed.
func (m Metadata) Append(key, val string) {
	m[key] = append(m.StringList(key), val)
}

// Copy returns a shallow copy with string lists duplicated, which is
// enough for independent mutation given the value type restrictions.
func (m Metadata) Copy() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		if list, ok := v.([]string); ok {
			cp := make([]string, len(list))
			copy(cp, list)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

// Reasons returns moderation_reasons, nil when unset. Formatting of the
// empty case ("[n/a]") is up to the caller.
func (m Metadata) Reasons() []string {
	return m.StringList(KeyModerationReasons)
}
