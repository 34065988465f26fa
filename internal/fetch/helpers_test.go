package fetch

import logx "covidwatch/pkg/logx"

func nopLogger() logx.Logger { return logx.Nop() }
