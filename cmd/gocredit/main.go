// Command gocredit serves the credit ledger API and administers its storage.
package main

func main() {
	Execute()
}
