package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nhle/notifycenter/internal/credential"
	"github.com/nhle/notifycenter/internal/model"
	"github.com/nhle/notifycenter/internal/store"
)

// login prompts for a platform token and stores it in the keyring.
func login() error {
	var token string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Platform Token").
				Description("Bearer token issued by the platform (the Bearer prefix is optional)").
				EchoMode(huh.EchoModePassword).
				Value(&token).
				Validate(validateToken),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return nil
		}
		return fmt.Errorf("reading token: %w", err)
	}

	if err := credential.NewKeyring(credential.TokenKey).Set(token); err != nil {
		return err
	}

	if sub := credential.Subject(token); sub != "" {
		fmt.Printf("Signed in as %s.\n", sub)
	} else {
		fmt.Println("Token saved.")
	}
	return nil
}

// logout removes the stored token and the cached notifications.
func logout(cfg *model.AppConfig) error {
	if err := credential.NewKeyring(credential.TokenKey).Delete(); err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.Cache.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Clear(context.Background()); err != nil {
		return err
	}

	fmt.Println("Signed out.")
	return nil
}

func validateToken(s string) error {
	raw := credential.Raw(strings.TrimSpace(s))
	if raw == "" {
		return errors.New("token is required")
	}
	if errors.Is(credential.Check(raw), credential.ErrExpired) {
		return errors.New("token has expired")
	}
	return nil
}
