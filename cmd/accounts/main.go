// Command accounts manages the relay's account pool from the terminal:
// interactive OAuth sign-in, listing, removal, token verification, and
// importing the desktop app's login. It edits the accounts file directly,
// so the server must be stopped first.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/vantorre/antigravity-relay/internal/account"
	"github.com/vantorre/antigravity-relay/internal/auth"
	"github.com/vantorre/antigravity-relay/internal/config"
)

var (
	serverPort   = config.DefaultPort
	accountsFile = ""
)

func main() {
	args := os.Args[1:]
	command := "add"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("antigravity-accounts", flag.ExitOnError)
	noBrowser := fs.Bool("no-browser", false, "manual authorization code input (for headless servers)")
	fs.StringVar(&accountsFile, "accounts-file", "", "path to the accounts file")
	fs.Parse(args)

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			serverPort = p
		}
	}
	if accountsFile == "" {
		accountsFile = os.Getenv("ACCOUNTS_FILE")
	}

	printBanner()

	scanner := bufio.NewScanner(os.Stdin)

	switch command {
	case "add":
		ensureServerStopped()
		interactiveAdd(scanner, *noBrowser)
	case "list":
		listAccounts()
	case "remove":
		ensureServerStopped()
		interactiveRemove(scanner)
	case "clear":
		ensureServerStopped()
		clearAccounts(scanner)
	case "verify":
		verifyAccounts()
	case "import-host":
		ensureServerStopped()
		importHostAccount()
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Run with \"help\" for usage information.")
	}
}

func printBanner() {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║   Antigravity Relay Account Manager    ║")
	fmt.Println("║   Use --no-browser for headless mode   ║")
	fmt.Println("╚════════════════════════════════════════╝")
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  antigravity-accounts add          Add new account(s)")
	fmt.Println("  antigravity-accounts list         List all accounts")
	fmt.Println("  antigravity-accounts remove       Remove accounts interactively")
	fmt.Println("  antigravity-accounts clear        Remove all accounts")
	fmt.Println("  antigravity-accounts verify       Verify account refresh tokens")
	fmt.Println("  antigravity-accounts import-host  Import the desktop app's login")
	fmt.Println("  antigravity-accounts help         Show this help")
	fmt.Println("\nOptions:")
	fmt.Println("  --no-browser       Manual authorization code input (for headless servers)")
	fmt.Println("  --accounts-file    Path to the accounts file")
}

// isServerRunning checks whether the relay holds the configured port.
func isServerRunning() bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", serverPort), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ensureServerStopped exits if the server is running. Account edits made
// while the server is up would be overwritten on its next state flush.
func ensureServerStopped() {
	if isServerRunning() {
		fmt.Printf("\n\033[31mError: Antigravity Relay server is currently running on port %d.\033[0m\n\n", serverPort)
		fmt.Println("Please stop the server (Ctrl+C) before adding or managing accounts.")
		fmt.Println("This ensures that your account changes are loaded correctly when you restart the server.")
		os.Exit(1)
	}
}

// openBrowser opens the URL in the default browser.
func openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", strings.ReplaceAll(url, "&", "^&"))
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		fmt.Println("\n⚠ Could not open browser automatically.")
		fmt.Println("Please open this URL manually:", url)
	}
}

func loadFile() *account.File {
	store := account.NewStore(accountsFile)
	f, err := store.Load()
	if err != nil {
		fmt.Println("Error loading accounts:", err)
		os.Exit(1)
	}
	return f
}

func saveFile(f *account.File) error {
	store := account.NewStore(accountsFile)
	return store.Save(f)
}

// displayAccounts shows the list of accounts.
func displayAccounts(accounts []*account.Account) {
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}

	fmt.Printf("\n%d account(s) saved:\n", len(accounts))
	for i, acc := range accounts {
		status := ""
		if acc.IsInvalid {
			status = " (invalid)"
		} else if !acc.IsEnabled() {
			status = " (disabled)"
		}
		if acc.Source == account.SourceHostDatabase {
			status += " [host]"
		}
		fmt.Printf("  %d. %s%s\n", i+1, acc.Email, status)
	}
}

// prompt reads a line of input.
func prompt(scanner *bufio.Scanner, message string) string {
	fmt.Print(message)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

// upsertOAuthAccount stores a completed login, updating the refresh token in
// place when the email is already present.
func upsertOAuthAccount(f *account.File, result *auth.LoginResult) {
	if existing := f.FindAccount(result.Email); existing != nil {
		fmt.Printf("\n⚠ Account %s already exists. Updating tokens.\n", result.Email)
		existing.CredentialRef = result.RefreshToken
		existing.IsInvalid = false
		existing.InvalidReason = ""
		existing.VerifyURL = ""
		return
	}

	fmt.Printf("\n✓ Successfully authenticated: %s\n", result.Email)
	fmt.Println("  Project will be discovered on first API request.")

	f.AddAccount(&account.Account{
		Email:         result.Email,
		Source:        account.SourceOAuth,
		CredentialRef: result.RefreshToken,
		AddedAt:       time.Now().UnixMilli(),
	})
}

// addAccount signs in via the browser and the local callback listener.
func addAccount(f *account.File) bool {
	fmt.Println("\n=== Add Google Account ===")

	req, err := auth.NewAuthorizationRequest("")
	if err != nil {
		fmt.Println("Error generating auth URL:", err)
		return false
	}

	fmt.Println("Opening browser for Google sign-in...")
	fmt.Println("(If browser does not open, copy this URL manually)")
	fmt.Printf("   %s\n\n", req.URL)

	openBrowser(req.URL)

	fmt.Println("Waiting for authentication (timeout: 2 minutes)...")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	code, err := auth.WaitForCallback(ctx, req.State)
	if err != nil {
		fmt.Printf("\n✗ Authentication failed: %v\n", err)
		return false
	}

	fmt.Println("Received authorization code. Exchanging for tokens...")

	result, err := auth.CompleteLogin(ctx, code, req.Verifier)
	if err != nil {
		fmt.Printf("\n✗ Authentication failed: %v\n", err)
		return false
	}

	upsertOAuthAccount(f, result)
	return true
}

// addAccountNoBrowser signs in via a pasted callback URL or code.
func addAccountNoBrowser(f *account.File, scanner *bufio.Scanner) bool {
	fmt.Println("\n=== Add Google Account (No-Browser Mode) ===")

	req, err := auth.NewAuthorizationRequest("")
	if err != nil {
		fmt.Println("Error generating auth URL:", err)
		return false
	}

	fmt.Println("Copy the following URL and open it in a browser on another device:")
	fmt.Printf("   %s\n\n", req.URL)
	fmt.Println("After signing in, you will be redirected to a localhost URL.")
	fmt.Println("Copy the ENTIRE redirect URL or just the authorization code.")

	input := prompt(scanner, "Paste the callback URL or authorization code: ")
	if input == "" {
		fmt.Println("\n✗ No input provided.")
		return false
	}

	extracted, err := auth.ExtractCodeFromInput(input)
	if err != nil {
		fmt.Printf("\n✗ %v\n", err)
		return false
	}

	if extracted.State != "" && extracted.State != req.State {
		fmt.Println("\n⚠ State mismatch detected. This could indicate a security issue.")
		fmt.Println("Proceeding anyway as this is manual mode...")
	}

	fmt.Println("\nExchanging authorization code for tokens...")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := auth.CompleteLogin(ctx, extracted.Code, req.Verifier)
	if err != nil {
		fmt.Printf("\n✗ Authentication failed: %v\n", err)
		return false
	}

	upsertOAuthAccount(f, result)
	return true
}

// interactiveAdd handles the interactive add flow.
func interactiveAdd(scanner *bufio.Scanner, noBrowser bool) {
	if noBrowser {
		fmt.Println("\n📋 No-browser mode: You will manually paste the authorization code.")
	}

	f := loadFile()

	if len(f.Accounts) > 0 {
		displayAccounts(f.Accounts)

		choice := prompt(scanner, "\n(a)dd new, (r)emove existing, (f)resh start, or (e)xit? [a/r/f/e]: ")
		switch strings.ToLower(choice) {
		case "r":
			interactiveRemove(scanner)
			return
		case "f":
			fmt.Println("\nStarting fresh - existing accounts will be replaced.")
			f.Accounts = nil
			if err := saveFile(f); err != nil {
				fmt.Println("Error clearing accounts:", err)
				return
			}
		case "e":
			fmt.Println("\nExiting...")
			return
		case "a":
			fmt.Println("\nAdding to existing accounts.")
		default:
			fmt.Println("\nInvalid choice, defaulting to add.")
		}
	}

	if len(f.Accounts) >= config.MaxAccounts {
		fmt.Printf("\nMaximum of %d accounts reached.\n", config.MaxAccounts)
		return
	}

	var added bool
	if noBrowser {
		added = addAccountNoBrowser(f, scanner)
	} else {
		added = addAccount(f)
	}

	if added {
		if err := saveFile(f); err != nil {
			fmt.Println("Error saving accounts:", err)
			return
		}
	}

	if len(f.Accounts) > 0 {
		displayAccounts(f.Accounts)
		fmt.Println("\nTo add more accounts, run this command again.")
	} else {
		fmt.Println("\nNo accounts to save.")
	}
}

// interactiveRemove handles removing accounts interactively.
func interactiveRemove(scanner *bufio.Scanner) {
	for {
		f := loadFile()
		if len(f.Accounts) == 0 {
			fmt.Println("\nNo accounts to remove.")
			return
		}

		displayAccounts(f.Accounts)
		fmt.Println("\nEnter account number to remove (or 0 to cancel)")

		answer := prompt(scanner, "> ")
		index, err := strconv.Atoi(answer)
		if err != nil || index < 0 || index > len(f.Accounts) {
			fmt.Println("\n❌ Invalid selection.")
			continue
		}

		if index == 0 {
			return
		}

		removed := f.Accounts[index-1]
		confirm := prompt(scanner, fmt.Sprintf("\nAre you sure you want to remove %s? [y/N]: ", removed.Email))

		if strings.ToLower(confirm) == "y" {
			f.RemoveAccount(removed.Email)
			if err := saveFile(f); err != nil {
				fmt.Println("Error removing account:", err)
			} else {
				fmt.Printf("\n✓ Removed %s\n", removed.Email)
			}
		} else {
			fmt.Println("\nCancelled.")
		}

		removeMore := prompt(scanner, "\nRemove another account? [y/N]: ")
		if strings.ToLower(removeMore) != "y" {
			break
		}
	}
}

// listAccounts displays all accounts.
func listAccounts() {
	f := loadFile()
	displayAccounts(f.Accounts)
}

// clearAccounts removes all accounts.
func clearAccounts(scanner *bufio.Scanner) {
	f := loadFile()

	if len(f.Accounts) == 0 {
		fmt.Println("No accounts to clear.")
		return
	}

	displayAccounts(f.Accounts)

	confirm := prompt(scanner, "\nAre you sure you want to remove all accounts? [y/N]: ")
	if strings.ToLower(confirm) == "y" {
		f.Accounts = nil
		if err := saveFile(f); err != nil {
			fmt.Println("Error clearing accounts:", err)
		} else {
			fmt.Println("All accounts removed.")
		}
	} else {
		fmt.Println("Cancelled.")
	}
}

// verifyAccounts tests every stored refresh token against the OAuth endpoint
// and reports the email behind it.
func verifyAccounts() {
	f := loadFile()

	if len(f.Accounts) == 0 {
		fmt.Println("No accounts to verify.")
		return
	}

	fmt.Println("\nVerifying accounts...")

	ctx := context.Background()
	for _, acc := range f.Accounts {
		if acc.Source == account.SourceHostDatabase {
			if auth.HostDatabaseAccessible(acc.CredentialRef) {
				fmt.Printf("  ✓ %s - OK (host database)\n", acc.Email)
			} else {
				fmt.Printf("  ✗ %s - host database not accessible\n", acc.Email)
			}
			continue
		}

		tokens, err := auth.RefreshAccessToken(ctx, acc.CredentialRef)
		if err != nil {
			fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			continue
		}

		email, err := auth.FetchUserEmail(ctx, tokens.AccessToken)
		if err != nil {
			fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			continue
		}

		fmt.Printf("  ✓ %s - OK\n", email)
	}
}

// importHostAccount pulls the desktop app's login into the pool. The account
// reads its key from the app database on every request, so it stays valid as
// long as the app session does.
func importHostAccount() {
	fmt.Println("\n=== Import Desktop App Account ===")

	status, err := auth.ReadHostAuthStatus("")
	if err != nil {
		fmt.Printf("\n✗ Could not read the desktop app database: %v\n", err)
		fmt.Println("Make sure the Antigravity app is installed and signed in.")
		return
	}
	if status.APIKey == "" || status.Email == "" {
		fmt.Println("\n✗ The desktop app is not signed in.")
		return
	}

	f := loadFile()

	if existing := f.FindAccount(status.Email); existing != nil {
		if existing.Source == account.SourceHostDatabase {
			fmt.Printf("\n⚠ Account %s is already imported.\n", status.Email)
			return
		}
		fmt.Printf("\n⚠ Account %s already exists with source %q.\n", status.Email, existing.Source)
		fmt.Println("Remove it first if you want the host-database version.")
		return
	}

	if len(f.Accounts) >= config.MaxAccounts {
		fmt.Printf("\nMaximum of %d accounts reached.\n", config.MaxAccounts)
		return
	}

	f.AddAccount(&account.Account{
		Email:   status.Email,
		Source:  account.SourceHostDatabase,
		AddedAt: time.Now().UnixMilli(),
	})

	if err := saveFile(f); err != nil {
		fmt.Println("Error saving accounts:", err)
		return
	}

	fmt.Printf("\n✓ Imported %s from the desktop app.\n", status.Email)
	displayAccounts(f.Accounts)
}
