package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/bookable/bookchat/internal/profile"
	"github.com/bookable/bookchat/internal/token"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "login":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: bookchatctl login <user-id> <access-token>")
			os.Exit(1)
		}
		cmdLogin(profileName, args[1], args[2])
	case "logout":
		cmdLogout(profileName)
	case "status":
		cmdStatus(profileName, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: bookchatctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  login <user-id> <access-token>   Store credentials for the profile")
	fmt.Fprintln(os.Stderr, "  logout                           Remove stored credentials")
	fmt.Fprintln(os.Stderr, "  status                           Show stored credential state")
}

func openStore(profileName string) *token.Store {
	if err := profile.EnsureDir(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	store, err := token.Open(profile.CredentialsDBPath(profileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if _, err := store.Migrate(); err != nil {
		_ = store.Close()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return store
}

func cmdLogin(profileName, userID, accessToken string) {
	if _, err := strconv.ParseInt(userID, 10, 64); err != nil {
		fmt.Fprintf(os.Stderr, "error: user id must be numeric: %v\n", err)
		os.Exit(1)
	}

	store := openStore(profileName)
	defer func() { _ = store.Close() }()

	if err := store.Set(token.KeyUserID, userID); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := store.Set(token.KeyAccessToken, accessToken); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Credentials stored for profile %q (user %s).\n", profileName, userID)
	fmt.Println("Restart bookchatd to connect, or it will pick up the token on its next attempt.")
}

func cmdLogout(profileName string) {
	store := openStore(profileName)
	defer func() { _ = store.Close() }()

	if err := store.Delete(token.KeyAccessToken); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := store.Delete(token.KeyUserID); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Credentials removed for profile %q.\n", profileName)
}

func cmdStatus(profileName string, jsonOut bool) {
	store := openStore(profileName)
	defer func() { _ = store.Close() }()

	userID, err := store.Get(token.KeyUserID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	tok, err := store.Get(token.KeyAccessToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if jsonOut {
		out := map[string]any{
			"profile":   profileName,
			"userId":    userID,
			"hasToken":  tok != "",
			"credsPath": profile.CredentialsDBPath(profileName),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}

	fmt.Printf("Profile:     %s\n", profileName)
	fmt.Printf("Credentials: %s\n", profile.CredentialsDBPath(profileName))
	if userID == "" {
		fmt.Println("State:       logged out")
		return
	}
	fmt.Printf("User ID:     %s\n", userID)
	if tok != "" {
		fmt.Println("State:       logged in")
	} else {
		fmt.Println("State:       user id stored, token missing")
	}
}
