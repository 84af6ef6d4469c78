package cli

import (
	"errors"
	"log"

	"github.com/spf13/cobra"
	"github.com/xiaot623/gogo/evaluator/internal/service"
)

func newExecuteTrialCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "execute-trial <trial-id>",
		Short:  "Execute one claimed trial (started by the scheduler)",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE:   runExecuteTrial,
	}
}

func runExecuteTrial(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	trialID := args[0]
	return exitCodeFor(a.svc.ExecuteTrial(cmd.Context(), trialID), trialID)
}

// exitCodeFor maps an executor result onto the process exit status the
// scheduler reads back.
func exitCodeFor(err error, trialID string) error {
	if err == nil {
		log.Printf("INFO: trial %s executed", trialID)
		return nil
	}
	if errors.Is(err, service.ErrDataIntegrity) {
		return &exitError{code: ExitDataIntegrity, err: err}
	}
	return &exitError{code: ExitExecutionError, err: err}
}
