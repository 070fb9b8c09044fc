package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"

	client "github.com/gwillem/signal-receiver"
)

type profileCommand struct {
	Key       base64Bytes `long:"key" description:"Profile key (base64) to decrypt the profile with"`
	Username  string      `long:"username" description:"Look the profile up by username instead of address"`
	Versioned bool        `long:"versioned" description:"Request the profile together with a profile key credential"`
	Avatar    string      `long:"avatar" description:"Download and decrypt the avatar to this file"`
	Sealed    bool        `long:"sealed" description:"Authenticate with the unidentified access derived from the stored profile key"`
	Args      struct {
		Address string `positional-arg-name:"uuid-or-number"`
	} `positional-args:"yes"`
}

func (cmd *profileCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if cmd.Username == "" && cmd.Args.Address == "" {
		return errors.New("an address or --username is required")
	}

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var profile *client.Profile
	if cmd.Username != "" {
		profile, err = c.ProfileByUsername(ctx, cmd.Username, nil)
		if err != nil {
			return fmt.Errorf("profile: %w", err)
		}
	} else {
		addr := parseAddress(cmd.Args.Address)
		if addr == nil {
			return fmt.Errorf("invalid address %q", cmd.Args.Address)
		}
		reqType, err := profileRequestType(cmd.Versioned, c)
		if err != nil {
			return err
		}
		var access *client.UnidentifiedAccess
		if cmd.Sealed {
			if access, err = c.UnidentifiedAccess(ctx, addr); err != nil {
				return err
			}
		}
		res, err := c.Profile(ctx, addr, cmd.Key, access, reqType)
		if err != nil {
			return fmt.Errorf("profile: %w", err)
		}
		profile = res.Profile
		if res.Credential != nil {
			fmt.Println("Credential: received")
		}
	}

	if len(cmd.Key) == 0 {
		fmt.Printf("Name:    %s (encrypted)\n", profile.Name)
		fmt.Printf("Avatar:  %s\n", profile.Avatar)
		return nil
	}

	dp, err := client.DecryptProfile(profile, cmd.Key)
	if err != nil {
		return err
	}
	given, family, _ := strings.Cut(dp.Name, "\x00")
	fmt.Printf("Name:    %s\n", strings.TrimSpace(given+" "+family))
	if dp.About != "" {
		fmt.Printf("About:   %s\n", dp.About)
	}
	if dp.AboutEmoji != "" {
		fmt.Printf("Emoji:   %s\n", dp.AboutEmoji)
	}
	if dp.Avatar != "" {
		fmt.Printf("Avatar:  %s\n", dp.Avatar)
	} else {
		fmt.Printf("Avatar:  (not set)\n")
	}

	if cmd.Avatar != "" && dp.Avatar != "" {
		tmp, err := os.CreateTemp("", "sgnl-avatar-*")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())
		defer tmp.Close()
		img, err := c.Avatar(ctx, dp.Avatar, tmp, cmd.Key)
		if err != nil {
			return fmt.Errorf("avatar: %w", err)
		}
		return writeOutput(cmd.Avatar, img)
	}
	return nil
}

type versionedProfiler interface {
	VersionedProfiles() bool
}

// profileRequestType refuses a credential request the client cannot build.
func profileRequestType(versioned bool, c versionedProfiler) (client.ProfileRequestType, error) {
	if !versioned {
		return client.ProfileRequestProfile, nil
	}
	if !c.VersionedProfiles() {
		return 0, errors.New("--versioned: no zero-knowledge profile operations are available to this client")
	}
	return client.ProfileRequestProfileAndCredential, nil
}

// parseAddress accepts a UUID or an E164 number.
func parseAddress(s string) *client.Address {
	if _, err := uuid.Parse(s); err == nil {
		return client.NewAddress(s, "")
	}
	if strings.HasPrefix(s, "+") {
		return client.NewAddress("", s)
	}
	return nil
}
