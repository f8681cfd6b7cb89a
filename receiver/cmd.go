package receiver

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/version"

	"go.ntppool.org/gnssrx/channel"
	"go.ntppool.org/gnssrx/prncode"
	"go.ntppool.org/gnssrx/report"
)

// Cmd is the kong command tree of gnssrx
type Cmd struct {
	Run     RunCmd     `cmd:"" default:"withargs" help:"Run the receiver against the simulated sky"`
	Codes   CodesCmd   `cmd:"" help:"Print the first chips of a ranging code"`
	Version VersionCmd `cmd:"" help:"Show version"`
}

type RunCmd struct {
	Name string `default:"gnssrx" env:"GNSSRX_NAME" help:"Receiver name used for MQTT topics"`

	GPSChannels   int    `name:"gps-channels" default:"4" help:"Number of GPS L1 C/A channels"`
	BDSChannels   int    `name:"bds-channels" default:"4" help:"Number of BeiDou B1I channels"`
	InAcquisition int    `name:"in-acquisition" default:"2" help:"Channels allowed to search at the same time"`
	GPSPRNs       string `name:"gps-prns" default:"1-32" help:"GPS candidate PRNs in search order"`
	BDSPRNs       string `name:"bds-prns" default:"1-37" help:"BeiDou candidate PRNs in search order"`

	GPSVisible int    `name:"gps-visible" default:"6" help:"GPS satellites in the simulated sky"`
	BDSVisible int    `name:"bds-visible" default:"6" help:"BeiDou satellites in the simulated sky"`
	Seed       uint64 `default:"1" help:"Random seed of the simulated sky and noise"`

	SampleRate    float64       `name:"sample-rate" default:"4092000" help:"Sampling rate in Hz"`
	Noise         float64       `default:"2" help:"Noise standard deviation per component"`
	Threshold     float64       `default:"2.5" help:"Peak ratio needed to declare acquisition"`
	Periods       int           `default:"1" help:"Code periods per block"`
	Blocks        int           `default:"400" help:"Block budget of the source, 0 for unlimited"`
	BlockInterval time.Duration `name:"block-interval" default:"0s" help:"Pacing between blocks"`

	TelemetryAddr string `name:"telemetry-addr" env:"GNSSRX_TELEMETRY_ADDR" help:"host:port to stream acquisition frames to"`
	MQTTBroker    string `name:"mqtt-broker" env:"GNSSRX_MQTT_BROKER" help:"MQTT broker URL for the run report"`
	MQTTTopic     string `name:"mqtt-topic" default:"/devel" env:"GNSSRX_MQTT_TOPIC" help:"MQTT topic prefix"`
	MQTTUser      string `name:"mqtt-user" env:"GNSSRX_MQTT_USER" help:"MQTT username"`
	MQTTPassword  string `name:"mqtt-password" env:"GNSSRX_MQTT_PASSWORD" help:"MQTT password"`
	MetricsPort   int    `name:"metrics-port" default:"0" env:"GNSSRX_METRICS_PORT" help:"Prometheus metrics port, 0 to disable"`

	JSON bool `name:"json" help:"Print the report as JSON"`

	out io.Writer
}

// Config turns the flags into a receiver Config.
func (cmd *RunCmd) Config() (Config, error) {
	gps, err := ParseRanges(cmd.GPSPRNs)
	if err != nil {
		return Config{}, fmt.Errorf("%w: gps-prns %w", ErrConfig, err)
	}
	bds, err := ParseRanges(cmd.BDSPRNs)
	if err != nil {
		return Config{}, fmt.Errorf("%w: bds-prns %w", ErrConfig, err)
	}

	cfg := Config{
		Name:          cmd.Name,
		GPSChannels:   cmd.GPSChannels,
		BDSChannels:   cmd.BDSChannels,
		MaxAcquiring:  cmd.InAcquisition,
		GPSCandidates: gps,
		BDSCandidates: bds,
		GPSVisible:    cmd.GPSVisible,
		BDSVisible:    cmd.BDSVisible,
		Seed:          cmd.Seed,
		SampleRate:    cmd.SampleRate,
		Noise:         cmd.Noise,
		Threshold:     cmd.Threshold,
		Periods:       cmd.Periods,
		Blocks:        cmd.Blocks,
		BlockInterval: cmd.BlockInterval,
		TelemetryAddr: cmd.TelemetryAddr,
		MetricsPort:   cmd.MetricsPort,
	}

	if cmd.MQTTBroker != "" {
		cfg.MQTT = &report.MQTTConfig{
			Broker:   cmd.MQTTBroker,
			Username: cmd.MQTTUser,
			Password: cmd.MQTTPassword,
			Topics:   report.Topics{Prefix: cmd.MQTTTopic, Name: cmd.Name},
		}
	}

	return cfg, cfg.Validate()
}

func (cmd *RunCmd) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)

	cfg, err := cmd.Config()
	if err != nil {
		return err
	}

	rep, err := Run(ctx, cfg)
	if rep == nil {
		return err
	}
	if err != nil {
		log.ErrorContext(ctx, "run failed", "err", err)
	}

	out := cmd.out
	if out == nil {
		out = os.Stdout
	}
	if cmd.JSON {
		js, jerr := rep.JSON()
		if jerr != nil {
			return jerr
		}
		if _, werr := fmt.Fprintf(out, "%s\n", js); werr != nil {
			return werr
		}
	} else if werr := rep.WriteText(out); werr != nil {
		return werr
	}

	return err
}

type CodesCmd struct {
	Group string `arg:"" enum:"GPS,BDS,gps,bds" help:"GPS or BDS"`
	PRN   uint32 `arg:"" help:"PRN number"`
	Chips int    `default:"32" help:"Number of chips to print"`
	Shift uint   `default:"0" help:"Code delay in chips"`

	out io.Writer
}

func (cmd *CodesCmd) Run(ctx context.Context) error {
	group := channel.Group(strings.ToUpper(cmd.Group))

	bits, err := prncode.Bits(group, cmd.PRN, cmd.Shift)
	if err != nil {
		return err
	}
	n := min(max(cmd.Chips, 0), len(bits))
	octalChips := min(n, 12)

	var oct uint32
	var b strings.Builder
	for i, bit := range bits[:n] {
		if i < octalChips {
			oct = oct<<1 | uint32(bit)
		}
		b.WriteByte('0' + bit)
	}

	out := cmd.out
	if out == nil {
		out = os.Stdout
	}
	_, err = fmt.Fprintf(out, "%s%02d length %d first %d chips %#o\n%s\n",
		group, cmd.PRN, len(bits), octalChips, oct, b.String())
	return err
}

type VersionCmd struct {
	out io.Writer
}

func (cmd *VersionCmd) Run(ctx context.Context) error {
	out := cmd.out
	if out == nil {
		out = os.Stdout
	}
	_, err := fmt.Fprintf(out, "gnssrx %s\n", version.Version())
	return err
}
