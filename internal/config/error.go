package config

import (
	"fmt"

	"github.com/pkg/errors"
)

func errorf(typeMethod, format string, a ...interface{}) error {
	return errors.Wrap(fmt.Errorf(format, a...), "config."+typeMethod)
}
