package dex

import (
	"github.com/StrathCole/oracle-client/pkg/sources"
)

func init() {
	// Register all DEX sources
	sources.Register(sources.KindDEX, NewUniswapV2Source)
}
