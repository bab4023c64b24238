//go:build sonic

package config

import "github.com/bytedance/sonic"

var (
	jsonMarshalIndent = sonic.ConfigStd.MarshalIndent
	jsonUnmarshal     = sonic.ConfigStd.Unmarshal
)
