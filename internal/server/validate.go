package server

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/scrypster/entityres/pkg/types"
)

var (
	validatorsOnce sync.Once
	validatorsErr  error
)

// registerValidators installs the entitytype rule on gin's validator and
// reports fields by their JSON names.
func registerValidators() error {
	validatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			validatorsErr = errors.New("server: gin validator is not go-playground/validator")
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		validatorsErr = v.RegisterValidation("entitytype", validEntityType)
	})
	return validatorsErr
}

func validEntityType(fl validator.FieldLevel) bool {
	_, err := types.ParseEntityType(fl.Field().String())
	return err == nil
}
