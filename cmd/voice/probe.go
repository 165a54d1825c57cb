package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/discord-voice-bridge/internal/media"
)

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Check that a file can be streamed and print its layout",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Usage: "WAV file to check", Required: true},
			&cli.StringFlag{Name: "media-root", Usage: "resolve relative paths under this directory"},
		},
		Action: func(c *cli.Context) error {
			path, err := media.FileResolver{Root: c.String("media-root")}.Resolve(c.Context, c.String("file"))
			if err != nil {
				return cli.Exit("cannot stream "+c.String("file")+": "+err.Error(), 1)
			}
			format, secs, err := media.Probe(path)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Fprintf(c.App.Writer, "%s\t%s\t%.2fs\n", path, format, secs)
			return nil
		},
	}
}
