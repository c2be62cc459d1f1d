// Command crossbuild cross-compiles Rust packages for aarch64 and x86_64
// Linux, strips the binaries into an output tree and optionally caches the
// build state between runs.
package main

import "crossbuild/internal/crossbuild"

func main() {
	crossbuild.Main()
}
