package main

import "github.com/dracoos/draco/kernel/kmain"

// main hands off to the kernel's startup orchestration. Limine has already
// populated boot.Current by the time rt0 reaches here, so Kmain takes no
// arguments.
func main() {
	kmain.Kmain()
}
