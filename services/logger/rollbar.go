package logsvc

import (
	"log"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/identity"
	"github.com/trezcool/campus/core/user"
)

// RollbarLogger reports to rollbar and prints to std. Debug messages are only printed in debug mode.
type RollbarLogger struct {
	std   *log.Logger
	debug bool
}

var _ core.Logger = (*RollbarLogger)(nil)

func NewRollbarLogger(std *log.Logger, conf *core.Config) *RollbarLogger {
	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetServerHost(conf.Server.Host)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetStackTracer(errors.StackTracer)
	return &RollbarLogger{std: std, debug: conf.Debug}
}

func (l RollbarLogger) Enable(enabled bool) {
	rollbar.SetEnabled(enabled)
}

type person struct {
	id, name, email string
}

// rollbarArgs splits args into the rollbar interfaces (msg first) and the first person found:
// a user.User or an identity.Principal.
func rollbarArgs(msg string, args []interface{}) ([]interface{}, *person) {
	var who *person
	out := make([]interface{}, 0, len(args)+1)
	out = append(out, msg)
	for _, arg := range args {
		var p *person
		switch t := arg.(type) {
		case user.User:
			p = &person{id: t.ID, name: t.Name, email: t.Email}
		case identity.Principal:
			p = &person{id: t.ID, name: t.Name, email: t.Email}
		default:
			out = append(out, arg)
			continue
		}
		if who == nil && p.id != "" {
			who = p
		}
	}
	return out, who
}

func (l RollbarLogger) log(level, msg string, args []interface{}) {
	interfaces, who := rollbarArgs(msg, args)
	if who != nil {
		rollbar.SetPerson(who.id, who.name, who.email)
	} else {
		rollbar.ClearPerson()
	}
	rollbar.Log(level, interfaces...)
	_ = l.std.Output(3, "["+level+"] "+format(msg, args))
}

func (l RollbarLogger) Debug(msg string, args ...interface{}) {
	if l.debug {
		l.log(rollbar.DEBUG, msg, args)
	}
}

func (l RollbarLogger) Info(msg string, args ...interface{}) {
	l.log(rollbar.INFO, msg, args)
}

func (l RollbarLogger) Warn(msg string, args ...interface{}) {
	l.log(rollbar.WARN, msg, args)
}

func (l RollbarLogger) Error(msg string, args ...interface{}) {
	l.log(rollbar.ERR, msg, args)
}

func (l RollbarLogger) Fatal(msg string, args ...interface{}) {
	l.log(rollbar.CRIT, msg, args)
	rollbar.Close()
	l.std.Fatal(msg)
}
