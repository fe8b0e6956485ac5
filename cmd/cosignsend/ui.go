// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/cosign/fee"
	"github.com/btcsuite/cosign/policy"
	"github.com/btcsuite/cosign/transfer"
	"golang.org/x/term"
)

const helpText = `Commands:
  fastest | standard | slow   select a fee tier
  fees                        show the fee tiers
  feeinfo                     explain network fees
  limit                       show the co-signing limit
  close                       close the open sheet
  confirm                     sign and send the selected tier
  approve | reject            answer the device prompt
  cancel                      cancel the device interaction
  fallback                    sign with the device after a service failure
  retry                       return to the confirmation after an error
  exit                        leave
`

// readLines sends every line read from stdin until it is closed or ctx is
// done.
func readLines(ctx context.Context) <-chan string {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	return lines
}

// interact renders the flow and applies the user's commands until the flow
// ends.
func interact(ctx context.Context, ctrl *transfer.Controller,
	device *emulatedDevice) error {

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Print(helpText)
	}

	lines := readLines(ctx)
	updates := ctrl.Updates()

	for {
		select {
		case s, ok := <-updates:
			if !ok {
				return finish(ctrl.Snapshot())
			}

			render(s)
			if interactive {
				fmt.Print("> ")
			}

		case line, ok := <-lines:
			if !ok {
				// Input ended, leave the flow if it still accepts it.
				lines = nil
				if err := ctrl.Exit(ctx); err != nil {
					log.Debugf("Exit on end of input: %v", err)
				}

				continue
			}

			if line == "" {
				continue
			}

			err := handle(ctx, ctrl, device, line)
			if err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handle applies one command.
func handle(ctx context.Context, ctrl *transfer.Controller,
	device *emulatedDevice, line string) error {

	switch cmd := strings.ToLower(line); cmd {
	case "fastest", "standard", "slow":
		p, err := fee.ParsePriority(cmd)
		if err != nil {
			return err
		}

		return ctrl.SelectPriority(ctx, p)

	case "fees":
		return ctrl.OpenSheet(ctx, transfer.SheetFeeSelection)

	case "feeinfo":
		return ctrl.OpenSheet(ctx, transfer.SheetNetworkFeesInfo)

	case "limit":
		return ctrl.OpenSheet(ctx, transfer.SheetSpendingLimitInfo)

	case "close":
		return ctrl.CloseSheet(ctx)

	case "confirm":
		return ctrl.Confirm(ctx)

	case "approve", "reject":
		if !device.answer(cmd == "approve") {
			return fmt.Errorf("no device prompt pending")
		}

		return nil

	case "cancel":
		return ctrl.CancelHardware(ctx)

	case "fallback":
		return ctrl.FallbackToHardware(ctx)

	case "retry":
		return ctrl.Retry(ctx)

	case "exit", "quit":
		return ctrl.Exit(ctx)

	case "help":
		fmt.Print(helpText)
		return nil

	default:
		return fmt.Errorf("unknown command %q, try help", line)
	}
}

// render prints the session.
func render(s transfer.Session) {
	switch st := s.State.(type) {
	case transfer.CreatingSignedPsbtSet:
		fmt.Println("Preparing transfer...")

	case transfer.ViewingConfirmation:
		renderConfirmation(s)

	case transfer.SigningWithRemoteService:
		fmt.Println("Requesting co-signature from the service...")

	case transfer.SigningWithHardware:
		fmt.Println("Waiting for the device, approve or reject it, " +
			"or cancel.")

	case transfer.ErrorRemoteSigningFailed:
		fmt.Printf("The co-signing service failed: %v\n", st.Err)
		fmt.Println("Use fallback to sign with the device, or exit.")

	case transfer.Broadcasting:
		fmt.Println("Sending...")

	case transfer.ErrorInsufficientFunds:
		fmt.Printf("Insufficient funds: %v\n", st.Err)

	case transfer.ErrorGeneric:
		fmt.Printf("Transfer failed: %v\n", st.Err)
		if st.Retryable {
			fmt.Println("Use retry to try again, or exit.")
		}

	default:
		// Terminal states are printed by finish.
	}
}

// renderConfirmation prints the confirmation view and its open sheet.
func renderConfirmation(s transfer.Session) {
	p, ok := s.SelectedPsbt()
	if !ok {
		return
	}

	fmt.Printf("Send %v to %v\n", p.Amount, s.Recipient)
	fmt.Printf("Fee (%v): %v, total %v\n", s.Selected, p.Fee, p.Total())
	fmt.Printf("Second signature: %v\n", s.FactorForSelected())

	switch s.Sheet {
	case transfer.SheetFeeSelection:
		for _, prio := range s.Signed.Priorities() {
			tier := s.Signed[prio]

			mark := " "
			if prio == s.Selected {
				mark = "*"
			}

			rate := "?"
			if quote, ok := s.Quotes.Lookup(prio); ok {
				rate = quote.Rate.String()
			}

			fmt.Printf(" %s %-8v %v at %s, ~%d blocks\n", mark, prio,
				tier.Fee, rate, prio.TargetBlocks())
		}

	case transfer.SheetNetworkFeesInfo:
		fmt.Println("Network fees go to miners. A higher fee confirms " +
			"sooner.")

	case transfer.SheetSpendingLimitInfo:
		renderLimit(s.Signal)
	}
}

func renderLimit(signal policy.Signal) {
	if !signal.RemoteAvailable {
		fmt.Println("The co-signing service is unavailable, the " +
			"device signs every transfer.")

		return
	}

	if signal.Limit.IsNone() {
		fmt.Println("No daily limit is configured, the device signs " +
			"every transfer.")

		return
	}

	limit := signal.Limit.UnwrapOr(policy.SpendingLimit{})
	fmt.Printf("The service co-signs up to %v a day, %v left today.\n",
		limit.Daily, limit.Remaining())
}

// finish prints the outcome of an ended flow.
func finish(s transfer.Session) error {
	switch st := s.State.(type) {
	case transfer.TransferInitiated:
		r := st.Receipt
		if r.Published {
			fmt.Printf("Sent %v (fee %v), txid %v\n", r.Amount, r.Fee,
				r.TxID)
		} else {
			fmt.Printf("Transfer %v initiated, the co-signing "+
				"service will publish it\n", r.TxID)
		}

		return nil

	case transfer.Exited:
		fmt.Printf("Exited: %v\n", st.Reason)
		return nil
	}

	return fmt.Errorf("flow stopped in %v", s.State)
}
