package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/xhad/docchat/pkg/client"
)

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// stdin is shared by every prompt and the chat loop so buffered input is not
// lost between reads.
var stdin = bufio.NewReader(os.Stdin)

// prompt reads one line from stdin when value is empty.
func prompt(label, value string) (string, error) {
	return promptFrom(stdin, label, value)
}

func promptFrom(in *bufio.Reader, label, value string) (string, error) {
	if value != "" {
		return value, nil
	}
	color.New(color.FgGreen).Printf("%s: ", label)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimSpace(line), nil
}

// describe turns an error into the message shown for a failed view.
func describe(what string, err error) error {
	switch {
	case client.IsNotFound(err):
		return fmt.Errorf("could not load %s: %w", what, err)
	case client.IsAuth(err):
		return err
	default:
		return fmt.Errorf("failed to load %s: %w", what, err)
	}
}
