package socks5

import (
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// Reply codes sent by the front.
const (
	RepSuccess             = txsocks5.RepSuccess
	RepServerFailure       = txsocks5.RepServerFailure
	RepHostUnreachable     = txsocks5.RepHostUnreachable
	RepConnectionRefused   = txsocks5.RepConnectionRefused
	RepAddressNotSupported = txsocks5.RepAddressNotSupported
	RepCommandNotSupported = txsocks5.RepCommandNotSupported
	CmdConnect             = txsocks5.CmdConnect
)

// WriteReply writes a reply with code rep and a bound address of 0.0.0.0:0.
// The bound address of the far end is never known.
func WriteReply(w io.Writer, rep byte) error {
	_, err := txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(w)
	if err != nil {
		return fmt.Errorf("reply %d: %w", rep, err)
	}
	return nil
}
