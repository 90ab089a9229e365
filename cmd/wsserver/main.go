// Command wsserver runs the companion chat gateway and its admin helpers.
package main

func main() {
	Execute()
}
