package oracle

import (
	"github.com/StrathCole/oracle-client/pkg/sources"
)

func init() {
	sources.Register(sources.KindOracle, NewChainlinkSource)
}
