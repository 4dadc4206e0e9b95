package config

import "runtime"

func defaultSpeechEngine() string {
	if runtime.GOOS == "windows" {
		return "windows-sapi"
	}
	return "espeak"
}
