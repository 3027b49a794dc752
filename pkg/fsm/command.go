package fsm

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Op identifies a command variant. The set is closed: adding a variant
// changes what every replica must agree on, so it never grows casually.
type Op uint8

const (
	// OpAcquire requests a lock in the given mode.
	OpAcquire Op = iota + 1
	// OpRelease drops a held lock, or withdraws a pending request.
	OpRelease
	// OpAbort forcibly removes a client from every resource. Emitted by
	// the deadlock detector, never by clients.
	OpAbort
)

func (o Op) String() string {
	switch o {
	case OpAcquire:
		return "acquire"
	case OpRelease:
		return "release"
	case OpAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Mode is a lock mode. Any number of clients may hold a resource shared;
// exclusive admits exactly one.
type Mode uint8

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Command is the payload of a replicated log entry.
type Command struct {
	Op        Op
	Resource  string
	Client    string
	Mode      Mode
	RequestID string
	// Reason annotates an Abort, e.g. "deadlock".
	Reason string
}

// Grant records one lock grant produced by applying a command.
type Grant struct {
	Resource string
	Client   string
	Mode     Mode
}

// Result is what applying one command produced. Granted reports an
// immediate Acquire grant; Promoted lists waiters granted as a side
// effect of a Release or Abort.
type Result struct {
	Op       Op
	Resource string
	Client   string
	Granted  bool
	Promoted []Grant
}

// Encode serializes the command for the log.
func (c Command) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCommand reverses Encode.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return c, nil
}

// EncodeResult serializes a Result for the generic FSM interface.
func EncodeResult(r Result) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil
	}
	return buf.Bytes()
}

// DecodeResult reverses EncodeResult.
func DecodeResult(data []byte) (Result, error) {
	var r Result
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}
