package main

import (
	"context"
	"fmt"
	"syscall"

	"github.com/pkg/errors"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/identity"
)

type addUserArgs struct {
	email string
	name  string
	role  string
}

// addUser creates the user of args.email, or resets its name, role and password.
// The password is prompted twice.
func (cli *commandLine) addUser(args addUserArgs) error {
	email := core.CleanString(args.email, true /* lower */)
	if email == "" {
		fmt.Fprintln(cli.out, usage)
		return errHelp
	}
	role := identity.RoleStudent
	if args.role != "" {
		var err error
		if role, err = identity.ParseRole(args.role); err != nil {
			return err
		}
	}

	pwd, err := cli.promptPassword("Enter password:")
	if err != nil {
		return err
	}
	if pwd == "" {
		fmt.Fprintln(cli.out, usage)
		return errHelp
	}
	confirm, err := cli.promptPassword("Confirm password:")
	if err != nil {
		return err
	}
	if confirm != pwd {
		return errors.New("passwords do not match")
	}

	if err = cli.connect(); err != nil {
		return err
	}
	usr, created, err := cli.usrSvc.AddOrUpdate(context.Background(), email, args.name, role, pwd)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(cli.out, "created %s %s (%s)\n", usr.Role, usr.Email, usr.ID)
	} else {
		fmt.Fprintf(cli.out, "updated %s %s (%s)\n", usr.Role, usr.Email, usr.ID)
	}
	return nil
}

func (cli *commandLine) promptPassword(prompt string) (string, error) {
	fmt.Fprint(cli.out, prompt)
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	if err != nil {
		return "", errors.Wrap(err, "reading password")
	}
	return string(pwd), nil
}
