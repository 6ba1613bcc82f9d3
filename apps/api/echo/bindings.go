package echoapi

import (
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-realtime/core"
)

var channelsParam = "channels"

// Channels is the initial channel selection of a websocket client: ?channels=courses,students.
// No selection means every channel.
type Channels struct {
	Names []string
}

func (chs *Channels) Bind(ctx echo.Context) {
	chs.Names = core.SplitList(ctx.QueryParam(channelsParam))
}

// Validate checks every name is a valid channel.
func (chs Channels) Validate(validate *validator.Validate) error {
	for _, name := range chs.Names {
		if err := validate.Var(name, "channel"); err != nil {
			return core.NewValidationError(
				errors.Errorf("invalid channel %q", name),
				core.FieldError{Field: channelsParam, Error: "invalid channel " + name},
			)
		}
	}
	return nil
}
