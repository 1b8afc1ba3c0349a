// Command tcpforge drives the userspace TCP client engine from the
// command line: forge connections, push data, and watch the handshake
// and teardown play out against a real peer.
package main

func main() {
	Execute()
}
