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

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	tapsigner "github.com/ZaparooProject/go-tapsigner"
	"github.com/spf13/cobra"
)

const (
	pinLabel      = "PIN"
	startPINLabel = "Starting PIN (printed on the card)"
	newPINLabel   = "New PIN"
)

func newSetupCommand(a *app) *cobra.Command {
	var newPIN, chainCodeHex, backupOut string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the wallet on a new card, back it up and set a PIN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var chainCode []byte
			if chainCodeHex != "" {
				var err error
				if chainCode, err = hex.DecodeString(chainCodeHex); err != nil {
					return fmt.Errorf("%w: chain code: %w", tapsigner.ErrInvalidArgs, err)
				}
			}
			return a.withController(cmd, func(ctx context.Context, ctrl *tapsigner.Controller) error {
				result, err := a.runSetup(ctx, cmd, ctrl, newPIN, chainCode)
				if err != nil {
					return err
				}
				return writeSetupResult(cmd, result, backupOut)
			})
		},
	}
	cmd.Flags().StringVar(&newPIN, "new-pin", "", "PIN to replace the starting PIN with (prompted when empty)")
	cmd.Flags().StringVar(&chainCodeHex, "chain-code", "", "32-byte chain code in hex (random when empty)")
	cmd.Flags().StringVar(&backupOut, "backup-out", "", "Write the encrypted backup to this file instead of stdout")
	return cmd
}

func (a *app) runSetup(
	ctx context.Context, cmd *cobra.Command, ctrl *tapsigner.Controller, newPIN string, chainCode []byte,
) (*tapsigner.SetupComplete, error) {
	startPIN := a.cfg.PIN
	var err error
	if startPIN == "" {
		if startPIN, err = a.prompt(cmd, startPINLabel); err != nil {
			return nil, err
		}
	}
	if newPIN == "" {
		if newPIN, err = a.prompt(cmd, newPINLabel); err != nil {
			return nil, err
		}
	}

	chain, err := tapsigner.NewSetupChain(tapsigner.SetupCommand(startPIN, newPIN, chainCode))
	if err != nil {
		return nil, err
	}

	pinPrompts, retaps := 1, 0
	return chain.RunToCompletion(ctx, ctrl, func(step tapsigner.ChainStep) error {
		tapsigner.Debugf("setup step: %s", step)
		switch step {
		case tapsigner.StepRetryPIN:
			if a.cfg.PIN != "" || pinPrompts >= maxPINPrompts {
				return fmt.Errorf("%w: starting PIN rejected", tapsigner.ErrAuth)
			}
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Wrong PIN, please try again")
			pin, promptErr := a.prompt(cmd, startPINLabel)
			if promptErr != nil {
				return promptErr
			}
			pinPrompts++
			chain.SetPIN(pin)
		case tapsigner.StepResume, tapsigner.StepRestart:
			if retaps >= a.cfg.Retries {
				return fmt.Errorf("%w: setup did not finish after %d taps", tapsigner.ErrTransport, retaps+1)
			}
			retaps++
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), tapsigner.MsgTapAgain)
		case tapsigner.StepTapAgain:
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), tapsigner.MsgTapAgain)
		case tapsigner.StepComplete, tapsigner.StepAbandoned:
		}
		return nil
	})
}

func writeSetupResult(cmd *cobra.Command, result *tapsigner.SetupComplete, backupOut string) error {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, "Setup complete")
	_, _ = fmt.Fprintf(out, "xpub: %s\n", result.Derive.XPub)
	_, _ = fmt.Fprintf(out, "path: %s\n", tapsigner.FormatPath(result.Derive.Path))
	if backupOut == "" {
		_, _ = fmt.Fprintf(out, "backup: %s\n", hex.EncodeToString(result.Backup))
		return nil
	}
	if err := writeSecretFile(backupOut, result.Backup); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "backup: %d bytes written to %s\n", len(result.Backup), backupOut)
	return nil
}

func newDeriveCommand(a *app) *cobra.Command {
	var pathFlag string
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Print the extended public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := tapsigner.ParsePath(pathFlag)
			if err != nil {
				return err
			}
			return a.withController(cmd, func(ctx context.Context, ctrl *tapsigner.Controller) error {
				var resp *tapsigner.DeriveResponse
				err := a.withPIN(cmd, pinLabel, func(pin string) error {
					return a.retryByTap(cmd, func() error {
						var runErr error
						resp, runErr = ctrl.Derive(ctx, tapsigner.DeriveArgs{PIN: pin, Path: path})
						return runErr
					})
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "xpub: %s\n", resp.Info.XPub)
				_, _ = fmt.Fprintf(out, "path: %s\n", tapsigner.FormatPath(resp.Info.Path))
				_, _ = fmt.Fprintf(out, "fingerprint: %s\n", hex.EncodeToString(resp.Info.Fingerprint[:]))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pathFlag, "path", tapsigner.FormatPath(tapsigner.DefaultDerivationPath), "Derivation path")
	return cmd
}

func newChangePinCommand(a *app) *cobra.Command {
	var newPIN string
	cmd := &cobra.Command{
		Use:   "change-pin",
		Short: "Replace the card PIN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withController(cmd, func(ctx context.Context, ctrl *tapsigner.Controller) error {
				if newPIN == "" {
					var err error
					if newPIN, err = a.prompt(cmd, newPINLabel); err != nil {
						return err
					}
				}
				err := a.withPIN(cmd, "Current PIN", func(pin string) error {
					return a.retryByTap(cmd, func() error {
						return ctrl.ChangePin(ctx, tapsigner.ChangePinArgs{CurrentPIN: pin, NewPIN: newPIN})
					})
				})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "PIN changed")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&newPIN, "new-pin", "", "New PIN (prompted when empty)")
	return cmd
}

func newBackupCommand(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export the encrypted backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withController(cmd, func(ctx context.Context, ctrl *tapsigner.Controller) error {
				var data []byte
				err := a.withPIN(cmd, pinLabel, func(pin string) error {
					return a.retryByTap(cmd, func() error {
						var runErr error
						data, runErr = ctrl.Backup(ctx, tapsigner.BackupArgs{PIN: pin})
						return runErr
					})
				})
				if err != nil {
					return err
				}
				if err := writeSecretFile(out, data); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "backup: %d bytes written to %s\n", len(data), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "File to write the encrypted backup to")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newSignCommand(a *app) *cobra.Command {
	var digestHex, subpathFlag string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a 32-byte digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			digest, err := hex.DecodeString(digestHex)
			if err != nil || len(digest) != 32 {
				return fmt.Errorf("%w: digest must be 32 bytes of hex", tapsigner.ErrInvalidArgs)
			}
			subpath, err := tapsigner.ParsePath(subpathFlag)
			if err != nil {
				return err
			}
			return a.withController(cmd, func(ctx context.Context, ctrl *tapsigner.Controller) error {
				var resp *tapsigner.SignResponse
				err := a.withPIN(cmd, pinLabel, func(pin string) error {
					return a.retryByTap(cmd, func() error {
						var runErr error
						resp, runErr = ctrl.Sign(ctx, tapsigner.SignArgs{PIN: pin, Digest: digest, Subpath: subpath})
						return runErr
					})
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "signature: %s\n", hex.EncodeToString(resp.Signature))
				_, _ = fmt.Fprintf(out, "pubkey: %s\n", hex.EncodeToString(resp.Pubkey))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&digestHex, "digest", "", "Digest to sign, hex encoded")
	cmd.Flags().StringVar(&subpathFlag, "subpath", "", "Unhardened subpath below the card's path, e.g. 0/5")
	_ = cmd.MarkFlagRequired("digest")
	return cmd
}

func newReadersCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "readers",
		Short: "List attached readers and candidate ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if printReaders(cmd.Context(), cmd.OutOrStdout(), a.sources) == 0 {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No readers found")
			}
			return nil
		},
	}
}

func writeSecretFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
