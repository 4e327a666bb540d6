package main

import "github.com/jmehdipour/cart-recovery/cmd"

func main() {
	cmd.Execute()
}
