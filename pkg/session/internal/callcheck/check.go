package callcheck

import (
	"reflect"

	"github.com/pkg/errors"
)

// Predicate invokes the named niladic bool method on recv. Tests use it to
// assert tables of predicate outcomes without spelling each call out.
func Predicate(recv interface{}, name string) (bool, error) {
	m := reflect.ValueOf(recv).MethodByName(name)
	if !m.IsValid() {
		return false, errors.Errorf("%T has no method %q", recv, name)
	}
	t := m.Type()
	if t.NumIn() != 0 || t.NumOut() != 1 || t.Out(0).Kind() != reflect.Bool {
		return false, errors.Errorf("method %q is not a niladic bool predicate", name)
	}
	return m.Call(nil)[0].Bool(), nil
}
