package socks5

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

var (
	// ErrCommandNotSupported is returned for anything but CONNECT.
	ErrCommandNotSupported = errors.New("socks5: command not supported")
	// ErrAddressNotSupported is returned for an unknown address type.
	ErrAddressNotSupported = errors.New("socks5: address type not supported")
	// ErrEmptyDomain is returned for a domain address of length zero.
	ErrEmptyDomain = errors.New("socks5: empty domain name")
)

// ServerNegotiate reads the client greeting and replies "no authentication
// required", whatever methods the client offered.
func ServerNegotiate(rw io.ReadWriter) error {
	if _, err := txsocks5.NewNegotiationRequestFrom(rw); err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(rw); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ServerReadRequest reads a CONNECT request.
//
// The fixed header is checked before the address is parsed, so an
// unsupported command or address type is reported as ErrCommandNotSupported
// or ErrAddressNotSupported without consuming the rest of the request. A
// zero-length domain is reported as ErrEmptyDomain.
func ServerReadRequest(r io.Reader) (*txsocks5.Request, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("request header: %w", err)
	}

	if hdr[0] != txsocks5.Ver {
		return nil, fmt.Errorf("request: %w", txsocks5.ErrVersion)
	}
	if hdr[1] != txsocks5.CmdConnect {
		return nil, fmt.Errorf("%w: %d", ErrCommandNotSupported, hdr[1])
	}
	switch hdr[3] {
	case txsocks5.ATYPIPv4, txsocks5.ATYPDomain, txsocks5.ATYPIPv6:
	default:
		return nil, fmt.Errorf("%w: %d", ErrAddressNotSupported, hdr[3])
	}

	if hdr[3] == txsocks5.ATYPDomain {
		n := make([]byte, 1)
		if _, err := io.ReadFull(r, n); err != nil {
			return nil, fmt.Errorf("request domain length: %w", err)
		}
		if n[0] == 0 {
			return nil, ErrEmptyDomain
		}
		hdr = append(hdr, n[0])
	}

	req, err := txsocks5.NewRequestFrom(io.MultiReader(bytes.NewReader(hdr), r))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}
