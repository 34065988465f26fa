package main

import logx "covidwatch/pkg/logx"

// cliLogger only reports warnings; command output goes to stdout.
func cliLogger() logx.Logger { return logx.NewWriter(logx.Stderr(), "warn") }
