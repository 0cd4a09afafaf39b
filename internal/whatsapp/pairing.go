package whatsapp

import (
	"fmt"
	"io"
	"time"

	"github.com/mdp/qrterminal/v3"

	"github.com/blockedby/wa-relay/internal/logger"
)

// PairingDisplay shows pairing material to the operator. The codes are
// produced by the WhatsApp library; this only renders them.
type PairingDisplay interface {
	ShowQR(code string, timeout time.Duration)
	ShowPairCode(code string)
}

// TerminalDisplay renders QR codes as half-block characters.
type TerminalDisplay struct {
	Out io.Writer
}

// ShowQR prints code as a scannable QR.
func (d TerminalDisplay) ShowQR(code string, timeout time.Duration) {
	fmt.Fprintln(d.Out, "scan this QR code with WhatsApp > Linked devices > Link a device:")
	qrterminal.GenerateWithConfig(code, qrterminal.Config{
		Level:          qrterminal.L,
		Writer:         d.Out,
		HalfBlocks:     true,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		WhiteChar:      qrterminal.WHITE_WHITE,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
		QuietZone:      1,
	})
	if timeout > 0 {
		fmt.Fprintf(d.Out, "code refreshes in %s\n", timeout.Round(time.Second))
	}
}

// ShowPairCode prints the phone pairing code.
func (d TerminalDisplay) ShowPairCode(code string) {
	fmt.Fprintf(d.Out, "pairing code: %s\n", code)
	fmt.Fprintln(d.Out, "enter it in WhatsApp > Linked devices > Link with phone number")
}

// LogDisplay writes pairing material to the log only. Used when no terminal is attached.
type LogDisplay struct {
	Log *logger.Logger
}

// ShowQR logs the raw QR payload.
func (d LogDisplay) ShowQR(code string, timeout time.Duration) {
	d.Log.Info().Str("qr", code).Dur("timeout", timeout).Msg("whatsapp: scan QR code to link device")
}

// ShowPairCode logs the pairing code.
func (d LogDisplay) ShowPairCode(code string) {
	d.Log.Info().Str("code", code).Msg("whatsapp: enter pairing code on the phone")
}
