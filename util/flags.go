package util

import (
	"os"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// SetFlagsFromEnvVars reads and updates flag values from environment
// variables with prefix JL_
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	// systemd credentials take precedence over plain environment variables
	credsDir, present := os.LookupEnv("CREDENTIALS_DIRECTORY")

	flags := cmd.PersistentFlags()
	flags.VisitAll(func(f *pflag.Flag) {
		name := flagNameToUpper(f.Name)

		if present {
			data, e := os.ReadFile(path.Join(credsDir, name))
			if e == nil {
				err := flags.Set(f.Name, strings.TrimSuffix(string(data), "\n"))
				if err != nil {
					log.Infof("unable to configure flag %s using credential %s, err: %v", f.Name, name, err)
				} else {
					return
				}
			}
		}

		envName := "JL_" + name
		if value, varPresent := os.LookupEnv(envName); varPresent {
			err := flags.Set(f.Name, value)
			if err != nil {
				log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envName, err)
			}
		}
	})
}

// flagNameToUpper converts a flag name to its corresponding base env name
// replacing dashes by underscores and making the result uppercase
// E.g. listen-address -> LISTEN_ADDRESS
func flagNameToUpper(cmdFlag string) string {
	return strings.ToUpper(strings.ReplaceAll(cmdFlag, "-", "_"))
}
