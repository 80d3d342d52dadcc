// SPDX-License-Identifier: Apache-2.0

// Command refstress drives an allocator with concurrent producers and
// collectors and reports what happened.
package main

func main() {
	execute()
}
