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

// CommandKind identifies a card operation
type CommandKind int

const (
	// CommandSetup initializes a factory-fresh card across one or more taps
	CommandSetup CommandKind = iota
	// CommandDerive reads the wallet's extended public key
	CommandDerive
	// CommandChangePin replaces the card PIN
	CommandChangePin
	// CommandBackup exports the encrypted backup blob
	CommandBackup
	// CommandSign signs a 32-byte digest
	CommandSign
)

func (k CommandKind) String() string {
	switch k {
	case CommandSetup:
		return "setup"
	case CommandDerive:
		return "derive"
	case CommandChangePin:
		return "change-pin"
	case CommandBackup:
		return "backup"
	case CommandSign:
		return "sign"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// Command is a requested operation. Args holds the typed arguments for Kind;
// the codec turns them into wire payloads once a card is connected.
type Command struct {
	Args any
	Kind CommandKind
}

// SetupStage names the step a Setup command starts from
type SetupStage int

const (
	SetupStageInit SetupStage = iota
	SetupStageBackup
	SetupStageDerive
	SetupStageChange
)

func (s SetupStage) String() string {
	switch s {
	case SetupStageInit:
		return "init"
	case SetupStageBackup:
		return "backup"
	case SetupStageDerive:
		return "derive"
	case SetupStageChange:
		return "change"
	default:
		return fmt.Sprintf("SetupStage(%d)", int(s))
	}
}

// SetupArgs drives the multi-round setup. StartingPIN is the code printed on
// the card; ChainCode may be empty, in which case the codec picks one.
// Backup and Derive carry results of stages already completed.
type SetupArgs struct {
	Derive      *DeriveInfo
	StartingPIN string
	NewPIN      string
	ChainCode   []byte
	Backup      []byte
	Stage       SetupStage
}

// DeriveArgs requests the extended public key at Path (default m/84'/0'/0').
type DeriveArgs struct {
	PIN  string
	Path []uint32
}

// ChangePinArgs replaces CurrentPIN with NewPIN.
type ChangePinArgs struct {
	CurrentPIN string
	NewPIN     string
}

// BackupArgs requests the encrypted backup.
type BackupArgs struct {
	PIN string
}

// SignArgs signs Digest with the key at Subpath below the card's derivation path.
type SignArgs struct {
	PIN     string
	Digest  []byte
	Subpath []uint32
}

// SetupCommand builds the first command of a setup chain.
func SetupCommand(startingPIN, newPIN string, chainCode []byte) Command {
	return Command{Kind: CommandSetup, Args: SetupArgs{
		StartingPIN: startingPIN,
		NewPIN:      newPIN,
		ChainCode:   chainCode,
	}}
}

// DeriveCommand builds a Derive command.
func DeriveCommand(pin string, path ...uint32) Command {
	return Command{Kind: CommandDerive, Args: DeriveArgs{PIN: pin, Path: path}}
}

// ChangePinCommand builds a ChangePin command.
func ChangePinCommand(currentPIN, newPIN string) Command {
	return Command{Kind: CommandChangePin, Args: ChangePinArgs{CurrentPIN: currentPIN, NewPIN: newPIN}}
}

// BackupCommand builds a Backup command.
func BackupCommand(pin string) Command {
	return Command{Kind: CommandBackup, Args: BackupArgs{PIN: pin}}
}

// SignCommand builds a Sign command.
func SignCommand(pin string, digest []byte, subpath ...uint32) Command {
	return Command{Kind: CommandSign, Args: SignArgs{PIN: pin, Digest: digest, Subpath: subpath}}
}

// Codec turns typed command arguments into wire frames and card replies into
// responses. BuildPayload starts a new conversation for kind; ParseResponse
// is called for every reply in that conversation.
type Codec interface {
	BuildPayload(kind CommandKind, args any) ([]byte, error)
	ParseResponse(kind CommandKind, raw []byte) (Response, error)
}
