// Package acceptance_test exercises the end-to-end scenarios of
// /root/module/spec.md §8 against the daemon's library surface directly:
// supervisor, monitor, container and db wired together exactly as
// cmd/attemptd wires them, without the HTTP layer that sits on top in
// production.
package acceptance_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestAcceptance(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Acceptance Suite")
}
