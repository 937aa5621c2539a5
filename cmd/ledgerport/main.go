// Command ledgerport migrates accounting records from an extracted source
// database into a QuickBooks Online company.
package main

import (
	_ "github.com/JonMunkholm/ledgerport/internal/core/entities" // Register all entity types
)

func main() {
	Execute()
}
