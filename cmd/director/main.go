package main

import "os"

func main() {
	root := newRoot()
	rootCmd := root.Command()
	rootCmd.AddCommand(
		newCompile(root).Command(),
		newValidate(root).Command(),
		newAgent(root).Command(),
	)

	if cmd, err := rootCmd.ExecuteC(); err != nil {
		switch err.(type) {
		case usageError:
			cmd.Println("")
			cmd.Println(cmd.UsageString())
		}
		os.Exit(1)
	}
}
