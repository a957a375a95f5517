package contracts

// GuardianRegistryABI covers the relationship-maintenance surface of the
// GuardianRegistry contract. Proposal creation and recovery execution are
// not used by this service.
const GuardianRegistryABI = `[
  {
    "type": "function",
    "name": "acceptGuardianRole",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "recipient", "type": "address"}],
    "outputs": []
  },
  {
    "type": "function",
    "name": "declineGuardianRole",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "recipient", "type": "address"}],
    "outputs": []
  },
  {
    "type": "function",
    "name": "cancelGuardianProposal",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "guardian", "type": "address"}],
    "outputs": []
  },
  {
    "type": "function",
    "name": "removeGuardian",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "guardian", "type": "address"}],
    "outputs": []
  },
  {
    "type": "function",
    "name": "leaveGuardianRole",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "recipient", "type": "address"}],
    "outputs": []
  },
  {
    "type": "event",
    "name": "GuardianStatusChanged",
    "anonymous": false,
    "inputs": [
      {"name": "guardian", "type": "address", "indexed": true},
      {"name": "recipient", "type": "address", "indexed": true},
      {"name": "status", "type": "uint8", "indexed": false}
    ]
  }
]`
