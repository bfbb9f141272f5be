package command_test

import (
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/attemptengine/attemptd/internal/command"
)

func TestCommand(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Command Runner Suite")
}

// backends returns the local runner and a remote runner backed by an
// in-process httptest server, so the same behavioral suite runs against
// both (spec §4.1: "tests must pass identically against both backends").
func backends() map[string]func() command.Runner {
	return map[string]func() command.Runner{
		"local": func() command.Runner { return command.NewLocalRunner() },
		"remote": func() command.Runner {
			srv := httptest.NewServer(command.NewServer().Router())
			DeferCleanup(srv.Close)
			return command.NewRemoteRunner(srv.URL)
		},
	}
}

var _ = Describe("CommandRunner", func() {
	for name, make := range backends() {
		name, make := name, make

		Describe(name+" backend", func() {
			var runner command.Runner

			BeforeEach(func() {
				runner = make()
			})

			It("echoes stdout and exits 0", func() {
				h, err := runner.Spawn(command.Request{Command: "echo", Args: []string{"Hello"}})
				Expect(err).NotTo(HaveOccurred())

				streams, err := h.Stream()
				Expect(err).NotTo(HaveOccurred())

				out, _ := io.ReadAll(streams.Stdout)
				Expect(string(out)).To(ContainSubstring("Hello"))

				status, err := h.Wait()
				Expect(err).NotTo(HaveOccurred())
				Expect(status.Success).To(BeTrue())
				Expect(*status.Code).To(Equal(0))
			})

			It("pipes stdin through cat", func() {
				h, err := runner.Spawn(command.Request{Command: "cat", Stdin: "ping"})
				Expect(err).NotTo(HaveOccurred())

				streams, err := h.Stream()
				Expect(err).NotTo(HaveOccurred())

				out, _ := io.ReadAll(streams.Stdout)
				Expect(string(out)).To(ContainSubstring("ping"))

				status, err := h.Wait()
				Expect(err).NotTo(HaveOccurred())
				Expect(status.Success).To(BeTrue())
			})

			It("honors a custom working directory via pwd", func() {
				dir := os.TempDir()
				h, err := runner.Spawn(command.Request{Command: "pwd", WorkingDir: dir})
				Expect(err).NotTo(HaveOccurred())

				streams, _ := h.Stream()
				out, _ := io.ReadAll(streams.Stdout)
				Expect(strings.TrimSpace(string(out))).To(ContainSubstring(strings.TrimSuffix(dir, "/")))

				h.Wait()
			})

			It("passes env vars through", func() {
				h, err := runner.Spawn(command.Request{
					Command: "sh",
					Args:    []string{"-c", "echo $FOO"},
					EnvVars: [][2]string{{"FOO", "bar123"}},
				})
				Expect(err).NotTo(HaveOccurred())

				streams, _ := h.Stream()
				out, _ := io.ReadAll(streams.Stdout)
				Expect(string(out)).To(ContainSubstring("bar123"))

				h.Wait()
			})

			It("reports a non-zero exit code", func() {
				h, err := runner.Spawn(command.Request{Command: "sh", Args: []string{"-c", "exit 7"}})
				Expect(err).NotTo(HaveOccurred())

				streams, _ := h.Stream()
				io.ReadAll(streams.Stdout)

				status, err := h.Wait()
				Expect(err).NotTo(HaveOccurred())
				Expect(status.Success).To(BeFalse())
				Expect(*status.Code).To(Equal(7))
			})

			It("kills a sleeping process promptly", func() {
				h, err := runner.Spawn(command.Request{Command: "sleep", Args: []string{"30"}})
				Expect(err).NotTo(HaveOccurred())

				status, err := h.TryWait()
				Expect(err).NotTo(HaveOccurred())
				Expect(status).To(BeNil()) // still running

				Expect(h.Kill()).To(Succeed())
			})

			It("taking the stream twice fails", func() {
				h, err := runner.Spawn(command.Request{Command: "echo", Args: []string{"x"}})
				Expect(err).NotTo(HaveOccurred())

				_, err = h.Stream()
				Expect(err).NotTo(HaveOccurred())

				_, err = h.Stream()
				Expect(err).To(Equal(command.ErrAlreadyTaken))

				h.Wait()
			})
		})
	}
})
