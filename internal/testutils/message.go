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

package testutils

import (
	"strings"
	"testing"

	"github.com/foxcpp/mailman/internal/message"
	"github.com/foxcpp/mailman/internal/store"
)

// Msg parses raw as a message, normalizing \n line endings to \r\n.
func Msg(t *testing.T, raw string) *message.Msg {
	t.Helper()
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\n", "\r\n")
	msg, err := message.FromBytes([]byte(raw))
	if err != nil {
		t.Fatalf("parse test message: %v", err)
	}
	return msg
}

// List returns the list object most tests start from, the "ant" list on
// example.com with permissive defaults.
func List() *store.MailingList {
	return &store.MailingList{
		ListID:          "ant.example.com",
		MailHost:        "example.com",
		ListName:        "ant",
		DisplayName:     "Ant",
		PostingChain:    "default-posting-chain",
		PostingPipeline: "default-posting-pipeline",
		OwnerChain:      "default-owner-chain",
		OwnerPipeline:   "default-owner-pipeline",
		SubjectPrefix:   "[Ant] ",
		ProcessBounces:  true,
	}
}
