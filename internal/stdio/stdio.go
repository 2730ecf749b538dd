// Package stdio wires up the three per-tenant standard streams as
// ByteStream pipes: the tenant reads Stdin and writes Stdout/Stderr; the
// host side gets the opposite ends to feed input and collect output.
package stdio

import "github.com/joeycumines/go-microkernel/internal/stream"

// Stdio is the tenant-facing view of its standard streams.
type Stdio struct {
	Stdin  stream.ByteStream // tenant reads
	Stdout stream.ByteStream // tenant writes
	Stderr stream.ByteStream // tenant writes
}

// Host is the opposite ends of the same three pipes, held by whatever
// embeds the kernel (a CLI harness, a test, a gateway relay).
type Host struct {
	Stdin  stream.ByteStream // host writes to feed the tenant's stdin
	Stdout stream.ByteStream // host reads what the tenant wrote to stdout
	Stderr stream.ByteStream // host reads what the tenant wrote to stderr
}

// New allocates the three pipes backing one tenant's standard streams,
// each with the given high-water mark.
func New(highWaterMark int) (Stdio, Host) {
	stdinR, stdinW := stream.CreatePipe(highWaterMark)
	stdoutR, stdoutW := stream.CreatePipe(highWaterMark)
	stderrR, stderrW := stream.CreatePipe(highWaterMark)
	return Stdio{Stdin: stdinR, Stdout: stdoutW, Stderr: stderrW},
		Host{Stdin: stdinW, Stdout: stdoutR, Stderr: stderrR}
}

// Close closes every stream on both sides. Idempotent, since the
// underlying ByteStream.Close is idempotent.
func Close(s Stdio, h Host) {
	_ = s.Stdin.Close()
	_ = s.Stdout.Close()
	_ = s.Stderr.Close()
	_ = h.Stdin.Close()
	_ = h.Stdout.Close()
	_ = h.Stderr.Close()
}
