// Command nbotctl is the operator CLI for the orchestrator: provisioning
// bots and their side-car containers, verifying plugin package signatures,
// running the orchestrator daemon, and running an environment health check.
package main

func main() {
	Execute()
}
