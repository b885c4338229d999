package logging

import (
	"testing"

	"go.viam.com/test"
)

func TestNewLogger(t *testing.T) {
	test.That(t, NewLogger("densemap"), test.ShouldNotBeNil)
	test.That(t, NewDebugLogger("densemap"), test.ShouldNotBeNil)
}
