// Command databench serves analyses over WebSocket.
package main

func main() {
	Execute()
}
