// The agentkernel CLI: controller daemon, MCP surface, and one-shot kernel
// operations, all speaking to the single kernel process on the fixed port.
package main

func main() {
	Execute()
}
