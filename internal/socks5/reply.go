package socks5

import (
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect
)

var (
	ErrUnsupportedMethod = errors.New("socks5: server selected an unsupported authentication method")

	ErrGeneralFailure      = errors.New("socks5: general server failure")
	ErrNotAllowed          = errors.New("socks5: connection not allowed by ruleset")
	ErrNetworkUnreachable  = errors.New("socks5: network unreachable")
	ErrHostUnreachable     = errors.New("socks5: host unreachable")
	ErrConnectionRefused   = errors.New("socks5: connection refused")
	ErrTTLExpired          = errors.New("socks5: TTL expired")
	ErrCommandNotSupported = errors.New("socks5: command not supported")
	ErrAddressNotSupported = errors.New("socks5: address type not supported")
	ErrUnknownReply        = errors.New("socks5: unassigned reply code")
)

var replyErrors = map[byte]error{
	txsocks5.RepServerFailure:       ErrGeneralFailure,
	txsocks5.RepNotAllowed:          ErrNotAllowed,
	txsocks5.RepNetworkUnreachable:  ErrNetworkUnreachable,
	txsocks5.RepHostUnreachable:     ErrHostUnreachable,
	txsocks5.RepConnectionRefused:   ErrConnectionRefused,
	txsocks5.RepTTLExpired:          ErrTTLExpired,
	txsocks5.RepCommandNotSupported: ErrCommandNotSupported,
	txsocks5.RepAddressNotSupported: ErrAddressNotSupported,
}

// ReplyError is returned when the server answers CONNECT with a status
// other than "succeeded". It unwraps to one of the Err* reply sentinels.
type ReplyError struct {
	Code byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%v (reply 0x%02x)", e.Unwrap(), e.Code)
}

func (e *ReplyError) Unwrap() error {
	if err, ok := replyErrors[e.Code]; ok {
		return err
	}
	return ErrUnknownReply
}

// WriteReply writes a reply with status rep and an all-zero bound address
// of the same family as atyp.
func WriteReply(conn net.Conn, rep, atyp byte) error {
	if _, err := newZeroAddrReply(rep, atyp).WriteTo(conn); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// WriteSuccessReply writes a SOCKS5 success reply using localAddr as the bound
// address.
func WriteSuccessReply(conn net.Conn, localAddr net.Addr) error {
	a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(conn net.Conn) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
}
