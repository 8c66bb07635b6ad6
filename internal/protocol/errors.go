package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes. Every error produced by the protocol components wraps one of
// these so callers can classify failures with errors.Is.
var (
	ErrProtocol  = errors.New("protocol error")
	ErrAuth      = errors.New("authentication error")
	ErrPolicy    = errors.New("policy error")
	ErrSigning   = errors.New("signing error")
	ErrTransport = errors.New("transport error")
)

// Specific conditions, each also wrapping its class.
var (
	ErrNotConnected    = fmt.Errorf("%w: not connected", ErrTransport)
	ErrDisconnected    = fmt.Errorf("%w: signer disconnected", ErrTransport)
	ErrRequestTimeout  = fmt.Errorf("%w: request timed out", ErrTransport)
	ErrWalletNotFound  = fmt.Errorf("%w: wallet not found", ErrSigning)
	ErrWatchingOnly    = fmt.Errorf("%w: wallet is watching-only", ErrPolicy)
	ErrSpendLimit      = fmt.Errorf("%w: spend limit exceeded", ErrPolicy)
	ErrCancelled       = errors.New("cancelled by user")
	ErrNetworkMismatch = fmt.Errorf("%w: network type mismatch", ErrAuth)
)

// Wrap builds an error that names the component and operation while tagging
// it with marker for classification. A nil marker defaults to ErrProtocol.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrProtocol
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "failure"
	}
	return strings.Join(parts, ": ")
}

// RemoteError carries an error string received in a reply payload.
type RemoteError struct {
	Type    RequestType
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
