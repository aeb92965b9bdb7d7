package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"

	"github.com/edwinchan129/texbot/texbot"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var initOutput string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file and initialize the database",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		written, err := writeEnvFile(initOutput)
		switch {
		case err != nil:
			log.Fatalf("Error writing config file: %v", err)
		case written:
			fmt.Fprintf(out, "Wrote config to %s\n", initOutput)
		default:
			fmt.Fprintf(out, "%s already exists, not overwriting\n", initOutput)
		}

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable TEXBOT_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable TEXBOT_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		db, err := texbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer sqlDB.Close()
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

// envSettings returns every current setting keyed by its environment
// variable name, in the format initConfig reads them back
func envSettings() map[string]string {
	settings := make(map[string]string, len(viper.AllKeys()))
	for _, key := range viper.AllKeys() {
		name := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		var value string
		switch v := viper.Get(key).(type) {
		case []string:
			sep := " "
			if isMessageListKey(key) {
				sep = messageSeparator
			}
			value = strings.Join(v, sep)
		default:
			value = fmt.Sprint(v)
		}
		settings[name] = value
	}
	return settings
}

func isMessageListKey(key string) bool {
	for _, k := range messageListFlags {
		if k == key {
			return true
		}
	}
	return false
}

// writeEnvFile writes the current settings to path, unless it already
// exists
func writeEnvFile(path string) (bool, error) {
	if path == "" {
		return false, errors.New("no output path given")
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := godotenv.Write(envSettings(), path); err != nil {
		return false, err
	}
	return true, os.Chmod(path, 0o600)
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", ".env", "Config file to write")
	rootCmd.AddCommand(initCmd)
}
