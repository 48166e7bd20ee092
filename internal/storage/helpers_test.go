package storage

import logx "autodown/pkg/logx"

func nopLog() logx.Logger { return logx.Nop() }
