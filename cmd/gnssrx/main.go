package main

import (
	"go.ntppool.org/common/logger"

	basecmd "go.ntppool.org/gnssrx/cmd"
	"go.ntppool.org/gnssrx/receiver"
)

func init() {
	logger.ConfigPrefix = "GNSSRX"
}

func main() {
	basecmd.Run(&receiver.Cmd{}, "gnssrx", "GNSS receiver channel orchestration")
}
