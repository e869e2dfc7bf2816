// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tapsigner

import (
	"fmt"
	"strconv"
	"strings"
)

// Hardened is the BIP-32 hardened derivation offset.
const Hardened uint32 = 0x80000000

// DefaultDerivationPath is m/84'/0'/0'.
var DefaultDerivationPath = []uint32{84 | Hardened, 0 | Hardened, 0 | Hardened}

// ParsePath parses paths such as "m/84'/0'/0'" or "84h/0h/0h".
func ParsePath(s string) ([]uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "m")
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return []uint32{}, nil
	}

	parts := strings.Split(s, "/")
	path := make([]uint32, 0, len(parts))
	for _, part := range parts {
		hardened := false
		if strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h") || strings.HasSuffix(part, "H") {
			hardened = true
			part = part[:len(part)-1]
		}
		n, err := strconv.ParseUint(part, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("%w: bad path component %q", ErrInvalidArgs, part)
		}
		v := uint32(n)
		if hardened {
			v |= Hardened
		}
		path = append(path, v)
	}
	return path, nil
}

// FormatPath renders path as "m/84h/0h/0h".
func FormatPath(path []uint32) string {
	var sb strings.Builder
	_, _ = sb.WriteString("m")
	for _, p := range path {
		_, _ = sb.WriteString("/")
		if p&Hardened != 0 {
			_, _ = sb.WriteString(strconv.FormatUint(uint64(p&^Hardened), 10) + "h")
		} else {
			_, _ = sb.WriteString(strconv.FormatUint(uint64(p), 10))
		}
	}
	return sb.String()
}
