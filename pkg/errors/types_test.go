package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeRefNotFound, "reference v9 not found")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}

	if err.Code != ErrCodeRefNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeRefNotFound)
	}

	if err.Message != "reference v9 not found" {
		t.Errorf("Message = %v, want 'reference v9 not found'", err.Message)
	}

	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}

	if len(err.Stack) == 0 {
		t.Error("Stack should be captured")
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ErrCodeAncestryNotFound, "walk exceeded %d commits", 5)
	if err.Message != "walk exceeded 5 commits" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("connection reset")
	err := Wrap(underlying, ErrCodeUpstreamTransport, "Error fetching tokens")

	if err == nil {
		t.Fatal("Wrap should return non-nil error")
	}

	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}

	if !errors.Is(err, underlying) {
		t.Error("errors.Is should see the underlying error")
	}

	if !strings.Contains(err.Error(), "connection reset") {
		t.Error("Error string should include underlying error")
	}
}

func TestWrap_Nil(t *testing.T) {
	err := Wrap(nil, ErrCodeInternal, "test")

	if err != nil {
		t.Error("Wrap of nil should return nil")
	}
}

func TestWithContextIsSorted(t *testing.T) {
	err := New(ErrCodeInvalidTagOrder, "bad order")
	err.WithContext("release", "v2").WithContext("prev", "v1")

	want := "[INVALID_TAG_ORDER] bad order {prev: v1, release: v2}"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := New(ErrCodeUpstreamParse, "Error parsing response.")
	outer := fmt.Errorf("job: %w", inner)

	if !IsCode(outer, ErrCodeUpstreamParse) {
		t.Error("IsCode should unwrap fmt.Errorf chains")
	}
	if IsCode(outer, ErrCodeUpstreamTransport) {
		t.Error("IsCode matched the wrong code")
	}
	if IsCode(nil, ErrCodeUpstreamParse) {
		t.Error("IsCode(nil) should be false")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(nil); got != "" {
		t.Errorf("GetCode(nil) = %q", got)
	}
	if got := GetCode(errors.New("plain")); got != ErrCodeInternal {
		t.Errorf("GetCode(plain) = %q, want INTERNAL", got)
	}
	if got := GetCode(New(ErrCodeJobPanic, "boom")); got != ErrCodeJobPanic {
		t.Errorf("GetCode = %q, want JOB_PANIC", got)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: errors.New("No credential"), want: "No credential"},
		{name: "message only", err: New(ErrCodeValidation, "A field has been left empty."), want: "A field has been left empty."},
		{
			name: "wrapped",
			err:  Wrap(errors.New("status 500"), ErrCodeUpstreamTransport, "Error fetching tokens"),
			want: "Error fetching tokens: status 500",
		},
		{
			name: "user message wins",
			err:  New(ErrCodeInvalidArguments, "json: cannot unmarshal").WithUserMessage("Unable to parse message."),
			want: "Unable to parse message.",
		},
		{
			name: "nested structured",
			err:  Wrap(New(ErrCodeRefNotFound, "reference \"v3\" not found"), ErrCodeInternal, "history"),
			want: "history: reference \"v3\" not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Describe(tt.err); got != tt.want {
				t.Errorf("Describe() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStackTrace(t *testing.T) {
	err := New(ErrCodeInternal, "trace me")
	trace := err.StackTrace()
	if !strings.HasPrefix(trace, "Stack trace:\n") {
		t.Errorf("unexpected trace header: %q", trace)
	}
	if !strings.Contains(trace, "TestStackTrace") {
		t.Error("trace should include the calling test")
	}
}

//go:noinline
func newOrigin() *Error {
	return New(ErrCodeRefNotFound, "reference missing")
}

func TestStackOfReportsInnermostError(t *testing.T) {
	err := fmt.Errorf("history: %w", Wrap(newOrigin(), ErrCodeInternal, "extract"))

	trace := StackOf(err)
	if !strings.Contains(trace, "newOrigin") {
		t.Errorf("StackOf should point at the origin, got:\n%s", trace)
	}

	if StackOf(errors.New("plain")) != "" {
		t.Error("plain errors have no stack")
	}
	if StackOf(nil) != "" {
		t.Error("nil has no stack")
	}
}
