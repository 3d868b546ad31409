// This program performs administrative tasks over a stored ledger.
package main

import "github.com/chaosmesh/ledger/app/tooling/admin/cmd"

func main() {
	cmd.Execute()
}
