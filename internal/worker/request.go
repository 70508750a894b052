package worker

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/zot/lua-embed/internal/host"
)

// Request is one script execution.
type Request struct {
	// Name identifies the chunk in error messages and the compile cache.
	Name string
	// Source is the Lua source text.
	Source string `validate:"required_without=Path"`
	// Path names a script file to run instead of Source. Files are
	// compiled through the engine's cache.
	Path string
	// Stream receives output and supplies input. It must have write,
	// sendHeader and read methods.
	Stream *host.Object `validate:"required"`
	// Args become the script's varargs and the global arg table.
	Args []string
	// ServerVars are copied into the SERVER global.
	ServerVars map[string]string
	// Init, if set, is called as init(server, callback) before the script
	// runs and may fill in SERVER asynchronously.
	Init *host.Object
}

// Callback receives the result of a request on the host loop.
type Callback func(result any, err error)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		r := sl.Current().Interface().(Request)
		if r.Init != nil && !r.Init.Callable() {
			sl.ReportError(r.Init, "Init", "Init", "callable", "")
		}
	}, Request{})
	return v
}

var fieldErrors = map[string]string{
	"Source": "source expected",
	"Stream": "stream expected",
	"Init":   "init function expected",
}

// Validate checks r and reports the first problem as a host TypeError.
func (r Request) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		if msg, ok := fieldErrors[verrs[0].Field()]; ok {
			return host.TypeError("%s", msg)
		}
	}
	return err
}

func (r Request) chunkName() string {
	switch {
	case r.Name != "":
		return r.Name
	case r.Path != "":
		return r.Path
	}
	return "request"
}
