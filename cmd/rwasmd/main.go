// Command rwasmd executes R code in a WebAssembly-hosted interpreter,
// either once from the command line, interactively, or as an HTTP
// service.
package main

func main() {
	Execute()
}
