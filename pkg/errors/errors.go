package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Error codes. They classify failures by how the caller must react rather
// than by where they happened.
const (
	// CodePrecondition marks input rejected synchronously: bad grace period,
	// unknown control time, malformed payload.
	CodePrecondition = 4000
	CodeNotFound     = 4004
	// CodePermanent marks a delivery the server refused for good (non-auth 4xx).
	CodePermanent = 4220
	// CodeAuth marks 401/403 answers. They are retried like transient errors.
	CodeAuth = 4010
	// CodeTransient marks network errors, timeouts, 5xx and 429.
	CodeTransient = 5030
	// CodeRestoreAnomaly marks a persisted timer whose handler could not be
	// reconstructed on restart.
	CodeRestoreAnomaly = 5100
)

// Error carries a classification code, the wrapped cause and the stack at
// the point it was created.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Err     error      `json:"-"` // 原始错误，不序列化
	Stack   string     `json:"stack,omitempty"`
	Context []KeyValue `json:"context,omitempty"`
}

type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return "unknown error"
}

func (e *Error) Unwrap() error { return e.Err }

func build(code int, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err, Stack: captureStack()}
}

func WithCode(code int, message string) *Error { return build(code, message, nil) }

func WithCodef(code int, format string, args ...interface{}) *Error {
	return build(code, fmt.Sprintf(format, args...), nil)
}

// Wrap returns nil for a nil err. Callers holding the result in an error
// variable must check err first: a nil *Error is not a nil error.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return build(0, message, err)
}

func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return build(0, fmt.Sprintf(format, args...), err)
}

// WrapCode wraps err and tags it with code.
func WrapCode(err error, code int, message string) *Error {
	if err == nil {
		return nil
	}
	return build(code, message, err)
}

func New(message string) *Error { return build(0, message, nil) }

func Errorf(format string, args ...interface{}) *Error {
	return build(0, fmt.Sprintf(format, args...), nil)
}

// WithContext returns a copy of e with one more key/value attached.
func (e *Error) WithContext(key, value string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Context = append(append([]KeyValue(nil), e.Context...), KeyValue{Key: key, Value: value})
	return &cp
}

// captureStack 去掉 captureStack、build 和导出构造函数这三帧
func captureStack() string {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)
	lines := strings.Split(string(buf[:n]), "\n")
	if len(lines) > 7 {
		lines = append(lines[:1], lines[7:]...)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// GetCode returns the first non-zero code found in the wrap chain
func GetCode(err error) int {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return 0
		}
		if e.Code != 0 {
			return e.Code
		}
		err = e.Err
	}
	return 0
}

func IsPrecondition(err error) bool { return GetCode(err) == CodePrecondition }

func IsNotFound(err error) bool { return GetCode(err) == CodeNotFound }

func IsPermanent(err error) bool { return GetCode(err) == CodePermanent }

// IsTransient reports whether err should be retried with backoff. Auth
// failures count as transient: a token refresh may fix them.
func IsTransient(err error) bool {
	switch GetCode(err) {
	case CodeTransient, CodeAuth:
		return true
	}
	return false
}

// GetMessage returns the outermost message without the cause.
func GetMessage(err error) string {
	var e *Error
	if stderrors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// Is matches target by identity or, for sentinels rebuilt from text, by
// message anywhere in the chain.
func Is(err, target error) bool {
	if err == nil || target == nil {
		return err == target
	}
	if stderrors.Is(err, target) {
		return true
	}
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Message == target.Error() {
			return true
		}
		err = e.Err
	}
	return false
}

// Cause returns the innermost error.
func Cause(err error) error {
	for err != nil {
		next := stderrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return err
}

func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprint(s, e.Error())
			if e.Stack != "" {
				fmt.Fprintf(s, "\n%s", e.Stack)
			}
			for _, kv := range e.Context {
				fmt.Fprintf(s, "\n  %s=%s", kv.Key, kv.Value)
			}
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
