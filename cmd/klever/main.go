// Command klever runs the Klever chat server and its maintenance commands.
package main

func main() {
	Execute()
}
