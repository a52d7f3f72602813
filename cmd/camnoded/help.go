package main

import (
	"fmt"

	"github.com/fatih/color"
)

const helpString = `Stream frames from a GigE Vision camera

Usage: camnoded [OPTION]... CAMERA

CAMERA is a device identifier as printed by --list, either qualified with
its backend ("gige:Basler-21234567", "sim:cam0") or bare.

Options:
  -c, --config=FILE      Configuration file (YAML)
  -l, --list             List attached cameras and exit

Miscellaneous:
  -h, --help             Prints this help message and exits
  -v, --version          Prints version information and exits

Log levels can be set per tag with LOGLEVEL, e.g. LOGLEVEL=gige=debug,info

Please report bugs to: aloha@lanikailabs.com`

//                                            _
//    ___  __ _  _ __ ___   _ __    ___    __| |  ___
//   / __|/ _` || '_ ` _ \ | '_ \  / _ \  / _` | / _ \
//  | (__| (_| || | | | | || | | || (_) || (_| ||  __/
//   \___|\__,_||_| |_| |_||_| |_| \___/  \__,_| \___|
var banner = [][2]string{
	{"                       ", "                   _       "},
	{"  ___  __ _  _ __ ___  ", " _ __    ___    __| |  ___ "},
	{" / __|/ _` || '_ ` _ \\ ", "| '_ \\  / _ \\  / _` | / _ \\"},
	{"| (__| (_| || | | | | |", "| | | || (_) || (_| ||  __/"},
	{" \\___|\\__,_||_| |_| |_|", "|_| |_| \\___/  \\__,_| \\___|"},
}

// Help information is printed and program exits
func help() {
	r := color.New(color.FgRed)
	b := color.New(color.FgCyan)
	for _, line := range banner {
		r.Print(line[0])
		b.Println(line[1])
	}
	fmt.Println()
	fmt.Println(helpString)
}

// version displays information and exits successfully (GNU convention)
func version() {
	fmt.Println("camnoded", GitRevisionId)
	fmt.Println("Copyright 2019 Lanikai Labs LLC. All rights reserved.")
}
