package safe

import (
	"fmt"
	"reflect"

	"PSync/logger"
	"PSync/tools/errs"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required collaborators in constructors.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// SafeGo starts a new goroutine that recovers from panic,
// so that panics don't crash the entire program.
func SafeGo(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover 用于 defer，吞掉 panic 并记录
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Error("[SafeGo] panic recovered", zap.String("routine", name), zap.Error(errs.ErrPanic(r)))
	}
}

// LogPanic 记录已由调用方 recover 的 panic
func LogPanic(name string, r any) {
	logger.Error("[SafeGo] panic recovered", zap.String("routine", name), zap.Error(errs.ErrPanic(r)))
}
