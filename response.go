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

import "fmt"

// Response is a parsed card reply, tagged by the command kind it answers.
type Response interface {
	CommandKind() CommandKind
	Variant() string
}

// FollowUp is implemented by responses that need another exchange within the
// same session. A nil frame means no further exchange is needed.
type FollowUp interface {
	NextFrame() []byte
}

// Continuation is a non-terminal Setup response carrying the next command.
type Continuation interface {
	Response
	NextCommand() Command
}

// Pending is an intermediate reply that only carries the next frame, such as a
// status read before an authenticated command. It is never returned to callers.
type Pending struct {
	Step  string
	Frame []byte
	For   CommandKind
}

func (p *Pending) CommandKind() CommandKind { return p.For }
func (p *Pending) Variant() string          { return "Pending(" + p.Step + ")" }
func (p *Pending) NextFrame() []byte        { return p.Frame }

// DeriveInfo describes the wallet key the card holds.
type DeriveInfo struct {
	XPub         string
	MasterPubkey []byte
	Pubkey       []byte
	ChainCode    []byte
	Path         []uint32
	Fingerprint  [4]byte
}

// DeriveResponse answers Derive.
type DeriveResponse struct {
	Info DeriveInfo
}

func (*DeriveResponse) CommandKind() CommandKind { return CommandDerive }
func (*DeriveResponse) Variant() string          { return "Import" }

// ChangePinResponse answers ChangePin.
type ChangePinResponse struct{}

func (*ChangePinResponse) CommandKind() CommandKind { return CommandChangePin }
func (*ChangePinResponse) Variant() string          { return "Change" }

// BackupResponse answers Backup. Data is the card-encrypted backup blob.
type BackupResponse struct {
	Data []byte
}

func (*BackupResponse) CommandKind() CommandKind { return CommandBackup }
func (*BackupResponse) Variant() string          { return "Backup" }

// SignResponse answers Sign. Signature is 64 bytes, r||s.
type SignResponse struct {
	Signature []byte
	Pubkey    []byte
	Slot      int
}

func (*SignResponse) CommandKind() CommandKind { return CommandSign }
func (*SignResponse) Variant() string          { return "Sign" }

// ContinueFromInit follows a successful init. Frame, when set, continues in the same tap.
type ContinueFromInit struct {
	Frame []byte
	Next  Command
}

func (*ContinueFromInit) CommandKind() CommandKind { return CommandSetup }
func (*ContinueFromInit) Variant() string          { return "ContinueFromInit" }
func (c *ContinueFromInit) NextCommand() Command   { return c.Next }
func (c *ContinueFromInit) NextFrame() []byte      { return c.Frame }

// ContinueFromBackup follows a successful backup export.
type ContinueFromBackup struct {
	Frame  []byte
	Backup []byte
	Next   Command
}

func (*ContinueFromBackup) CommandKind() CommandKind { return CommandSetup }
func (*ContinueFromBackup) Variant() string          { return "ContinueFromBackup" }
func (c *ContinueFromBackup) NextCommand() Command   { return c.Next }
func (c *ContinueFromBackup) NextFrame() []byte      { return c.Frame }

// ContinueFromDerive follows a successful derive.
type ContinueFromDerive struct {
	Frame  []byte
	Backup []byte
	Next   Command
	Derive DeriveInfo
}

func (*ContinueFromDerive) CommandKind() CommandKind { return CommandSetup }
func (*ContinueFromDerive) Variant() string          { return "ContinueFromDerive" }
func (c *ContinueFromDerive) NextCommand() Command   { return c.Next }
func (c *ContinueFromDerive) NextFrame() []byte      { return c.Frame }

// SetupComplete ends a setup chain.
type SetupComplete struct {
	Backup []byte
	Derive DeriveInfo
}

func (*SetupComplete) CommandKind() CommandKind { return CommandSetup }
func (*SetupComplete) Variant() string          { return "Complete" }

// VariantOf names resp for diagnostics.
func VariantOf(resp Response) string {
	if resp == nil {
		return ""
	}
	return resp.Variant()
}

// nextFrame returns the follow-up frame of resp, or nil.
func nextFrame(resp Response) []byte {
	f, ok := resp.(FollowUp)
	if !ok {
		return nil
	}
	return f.NextFrame()
}

// Expect narrows the response of a kind command to the type the caller asked for.
// A mismatch is a protocol error naming the command and the variant received.
func Expect[T Response](kind CommandKind, resp Response, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(T)
	if !ok {
		return zero, NewUnexpectedResponseError(kind, resp)
	}
	return typed, nil
}

// String formats the info for display.
func (d DeriveInfo) String() string {
	return fmt.Sprintf("[%x/%s] %s", d.Fingerprint, FormatPath(d.Path), d.XPub)
}
