package rest

import (
	"github.com/StrathCole/oracle-client/pkg/sources"
)

func init() {
	sources.Register(sources.KindREST, NewSource)
}
