// Package skerr provides errors that include stack traces so that the
// location of a failure is visible in logs without panicking. Errors are
// wrapped at package boundaries with Wrap or Wrapf and created with Fmt.
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackFrame identifies one call site in an error's stack.
type StackFrame struct {
	File string
	Line int
	Func string
}

func (f StackFrame) String() string {
	return fmt.Sprintf("%s:%d %s", f.File, f.Line, f.Func)
}

// ErrorWithStack is an error annotated with the call stack at the point it
// was wrapped or created, plus an optional message added by each Wrapf.
type ErrorWithStack struct {
	// Wrapped is the underlying error, or nil for errors created by Fmt.
	Wrapped error
	// Message is the formatted context added by Wrapf or Fmt.
	Message string
	// Stack is the call stack at the point of the Wrap/Wrapf/Fmt call,
	// innermost frame first.
	Stack []StackFrame
}

// Error implements error. The stack is not included; it is available via
// CallStack for callers that want to log it.
func (e *ErrorWithStack) Error() string {
	parts := make([]string, 0, 2)
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Wrapped != nil {
		parts = append(parts, e.Wrapped.Error())
	}
	rv := strings.Join(parts, ": ")
	if len(e.Stack) > 0 {
		rv += fmt.Sprintf(" At %s", e.Stack[0])
	}
	return rv
}

// Unwrap supports errors.Is and errors.As.
func (e *ErrorWithStack) Unwrap() error {
	return e.Wrapped
}

// callStack returns the call stack of the caller's caller, up to limit
// frames.
func callStack(skip, limit int) []StackFrame {
	rv := make([]StackFrame, 0, limit)
	for i := skip; i < skip+limit; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		name := "?"
		if fn := runtime.FuncForPC(pc); fn != nil {
			name = fn.Name()
			if idx := strings.LastIndex(name, "/"); idx >= 0 {
				name = name[idx+1:]
			}
		}
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		rv = append(rv, StackFrame{
			File: file,
			Line: line,
			Func: name,
		})
	}
	return rv
}

const stackLimit = 8

// Wrap adds a stack trace to err. If err already carries a stack, it is
// returned unchanged so that the innermost call site wins. Returns nil for a
// nil err, so it is safe to write "return rv, skerr.Wrap(err)".
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ErrorWithStack); ok {
		return err
	}
	return &ErrorWithStack{
		Wrapped: err,
		Stack:   callStack(2, stackLimit),
	}
}

// Wrapf adds a stack trace and a formatted message to err. Unlike Wrap, the
// message is always added, even if err already carries a stack. Returns nil
// for a nil err.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithStack{
		Wrapped: err,
		Message: fmt.Sprintf(format, args...),
		Stack:   callStack(2, stackLimit),
	}
}

// Fmt creates a new error with a stack trace, like fmt.Errorf.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithStack{
		Message: fmt.Sprintf(format, args...),
		Stack:   callStack(2, stackLimit),
	}
}

// Unwrap returns the innermost error of err, unwinding any layers added by
// this package. Use when comparing against sentinel errors held by other
// packages. Unlike errors.Unwrap, returns err itself when there is nothing
// to unwind.
func Unwrap(err error) error {
	for {
		withStack, ok := err.(*ErrorWithStack)
		if !ok || withStack.Wrapped == nil {
			return err
		}
		err = withStack.Wrapped
	}
}

// CallStack returns the stack recorded in err, or nil if err does not carry
// one.
func CallStack(err error) []StackFrame {
	if withStack, ok := err.(*ErrorWithStack); ok {
		return withStack.Stack
	}
	return nil
}
